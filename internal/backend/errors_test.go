package backend

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUserMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"cancelled is swallowed", ErrCancelled, ""},
		{"wrapped cancelled", fmt.Errorf("hop: %w", ErrCancelled), ""},
		{"timeout", ErrTimeout, MsgAllBusy},
		{"user error passes verbatim", &UserError{Msg: "prompt rejected"}, "prompt rejected"},
		{"user data error passes verbatim", &UserDataError{Msg: "output refused"}, "output refused"},
		{"wrapped user error", fmt.Errorf("hook: %w", &UserError{Msg: "nope"}), "nope"},
		{"stall is opaque", ErrBackendStalled, MsgInternal},
		{"connection is opaque", ErrConnection, MsgInternal},
		{"unknown is opaque", errors.New("cuda out of memory"), MsgInternal},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, UserMessage(tc.err))
		})
	}
}
