package main

import (
	"github.com/Harvey-AU/blue-banded-bus/internal/process"
	"github.com/Harvey-AU/blue-banded-bus/internal/worker"
)

// registerHandlers binds command handlers for the domains this deployment
// serves. Example:
//
//	handlers.Register("payments", "DebitAccount", debitAccount)
func registerHandlers(handlers *worker.Registry) {
}

// registerManagers binds process managers for long-running flows. Example:
//
//	managers.Register("payments", "Refund", &refundManager{})
func registerManagers(managers *process.Registry) {
}
