// Package tasks holds the task definitions shipped with the server.
package tasks

import (
	"encoding/json"
	"fmt"

	"github.com/xiaot623/gogo/tasker/internal/executor"
)

// SearchInput is the input of the search task.
type SearchInput struct {
	Query string `json:"query"`
}

// SearchResult is the output of the search task.
type SearchResult struct {
	Domains int `json:"domains"`
	Users   int `json:"users"`
}

// Search counts the directory's domains and the users of the first domain.
func Search(tc *executor.Context, input json.RawMessage) (interface{}, error) {
	var in SearchInput
	if len(input) > 0 {
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, fmt.Errorf("invalid search input: %w", err)
		}
	}

	var domains []string
	if err := tc.CallInto(&domains, "directory", "listDomains", nil); err != nil {
		return nil, err
	}
	var users []string
	if len(domains) > 0 {
		if err := tc.CallInto(&users, "directory", "listUsers", map[string]string{"domain": domains[0]}); err != nil {
			return nil, err
		}
	}
	return SearchResult{Domains: len(domains), Users: len(users)}, nil
}

// Report runs search as a nested task and stores its result in the key store.
func Report(tc *executor.Context, input json.RawMessage) (interface{}, error) {
	var result SearchResult
	raw, err := tc.CallTask("search", input, executor.WithLabel("search"))
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode search result: %w", err)
	}

	if _, err := tc.Call("keystore", "put", map[string]interface{}{
		"key":   "report:last",
		"value": result,
	}, executor.WithLabel("save")); err != nil {
		return nil, err
	}
	return map[string]interface{}{"saved": true, "search": result}, nil
}

// MailAudit searches the mailbox and counts the matches.
func MailAudit(tc *executor.Context, input json.RawMessage) (interface{}, error) {
	var in SearchInput
	if len(input) > 0 {
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, fmt.Errorf("invalid mail_audit input: %w", err)
		}
	}
	var hits []json.RawMessage
	if err := tc.CallInto(&hits, "mail", "search", in); err != nil {
		return nil, err
	}
	return map[string]int{"matches": len(hits)}, nil
}

// Register adds the builtin tasks to r.
func Register(r *executor.Registry) {
	r.MustRegister("search", executor.TaskFunc(Search))
	r.MustRegister("report", executor.TaskFunc(Report))
	r.MustRegister("mail_audit", executor.TaskFunc(MailAudit))
}
