package capability

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
)

// Directory is an in-process admin directory with a fixed set of domains and users.
func Directory() Service {
	users := map[string][]string{
		"example.com": {"alice@example.com"},
		"example.org": {"bob@example.org", "carol@example.org"},
	}
	return Service{
		"listDomains": func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			return json.Marshal([]string{"example.com", "example.org"})
		},
		"listUsers": func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			var in struct {
				Domain string `json:"domain"`
			}
			if err := json.Unmarshal(args, &in); err != nil || in.Domain == "" {
				return nil, Permanent("invalid_args", "listUsers requires a domain")
			}
			list, ok := users[in.Domain]
			if !ok {
				return nil, Permanent("not_found", "unknown domain %s", in.Domain)
			}
			return json.Marshal(list)
		},
	}
}

// KeyStore is an in-process key/value service.
func KeyStore() Service {
	var mu sync.RWMutex
	data := make(map[string]json.RawMessage)

	type kv struct {
		Key   string          `json:"key"`
		Value json.RawMessage `json:"value,omitempty"`
	}
	return Service{
		"get": func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			var in kv
			if err := json.Unmarshal(args, &in); err != nil || in.Key == "" {
				return nil, Permanent("invalid_args", "get requires a key")
			}
			mu.RLock()
			defer mu.RUnlock()
			v, ok := data[in.Key]
			if !ok {
				return json.RawMessage("null"), nil
			}
			return v, nil
		},
		"put": func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			var in kv
			if err := json.Unmarshal(args, &in); err != nil || in.Key == "" {
				return nil, Permanent("invalid_args", "put requires a key")
			}
			mu.Lock()
			defer mu.Unlock()
			data[in.Key] = in.Value
			return json.RawMessage("true"), nil
		},
	}
}

// Mail is an in-process mail search over a fixed mailbox.
func Mail() Service {
	messages := []map[string]string{
		{"id": "m1", "from": "alice@example.com", "subject": "Quarterly report"},
		{"id": "m2", "from": "bob@example.org", "subject": "Lunch"},
	}
	return Service{
		"search": func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			var in struct {
				Query string `json:"query"`
			}
			if len(args) > 0 {
				if err := json.Unmarshal(args, &in); err != nil {
					return nil, Permanent("invalid_args", "search args: %v", err)
				}
			}
			var hits []map[string]string
			for _, m := range messages {
				if in.Query == "" || strings.Contains(strings.ToLower(m["subject"]), strings.ToLower(in.Query)) {
					hits = append(hits, m)
				}
			}
			if hits == nil {
				hits = []map[string]string{}
			}
			return json.Marshal(hits)
		},
	}
}

// RegisterBuiltins registers the in-process services under their default names.
// Services already registered, such as remote endpoints, are kept.
func RegisterBuiltins(r *Registry) {
	builtins := map[string]Service{
		"directory": Directory(),
		"keystore":  KeyStore(),
		"mail":      Mail(),
	}
	for name, svc := range builtins {
		if _, ok := r.Lookup(name); ok {
			continue
		}
		r.MustRegister(name, svc)
	}
}
