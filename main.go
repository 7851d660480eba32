package main

import "github.com/xiaot623/gogo/tasker/internal/command"

func main() {
	command.Execute()
}
