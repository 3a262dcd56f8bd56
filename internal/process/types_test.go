//go:build unit || !integration

package process

import (
	"testing"

	"github.com/Harvey-AU/blue-banded-bus/internal/bus"
	"github.com/stretchr/testify/assert"
)

type stubManager struct{}

func (stubManager) InitialState(data map[string]interface{}) (map[string]interface{}, error) {
	return data, nil
}

func (stubManager) FirstStep(state map[string]interface{}) (string, error) {
	return "debit", nil
}

func (stubManager) BuildCommand(step string, state map[string]interface{}) (Command, error) {
	return Command{CommandType: "DebitAccount", Data: state}, nil
}

func (stubManager) UpdateState(state map[string]interface{}, step string, reply *bus.Reply) (map[string]interface{}, error) {
	return state, nil
}

func (stubManager) NextStep(current string, reply *bus.Reply, state map[string]interface{}) (string, bool, error) {
	return "", false, nil
}

func TestRegistryRegisterAndResolve(t *testing.T) {
	registry := NewRegistry()
	registry.Register("payments", "RefundFlow", stubManager{})

	assert.NotNil(t, registry.Resolve("payments", "RefundFlow"))
	assert.Nil(t, registry.Resolve("payments", "OnboardingFlow"))
	assert.Nil(t, registry.Resolve("billing", "RefundFlow"))
}

func TestRegistryRejectsNilManager(t *testing.T) {
	registry := NewRegistry()

	assert.PanicsWithValue(t, "manager is required", func() {
		registry.Register("payments", "RefundFlow", nil)
	})
}
