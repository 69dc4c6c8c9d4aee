package mqtt

import "testing"

func TestTopicBuilders(t *testing.T) {
	topics := Topics{}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"EntityState", topics.EntityState("light.kitchen"), "statesync/state/light.kitchen"},
		{"Command", topics.Command("light", "turn_on"), "statesync/command/light/turn_on"},
		{"SystemStatus", topics.SystemStatus(), "statesync/system/status"},
		{"AllEntityStates", topics.AllEntityStates(), "statesync/state/+"},
		{"AllCommands", topics.AllCommands(), "statesync/command/+/+"},
		{"AllTopics", topics.AllTopics(), "statesync/#"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.want)
			}
		})
	}
}
