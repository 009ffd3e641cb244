package router

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpgateway-go/internal/upstream"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		wantErr bool
		wantID  string
	}{
		{name: "string id", frame: `{"type":"request","id":"abc"}`, wantID: "abc"},
		{name: "numeric id", frame: `{"type":"request","id":17}`, wantID: "17"},
		{name: "no id", frame: `{"type":"ping"}`, wantID: ""},
		{name: "null id", frame: `{"type":"ping","id":null}`, wantID: ""},
		{name: "object id", frame: `{"type":"request","id":{"a":1}}`, wantErr: true},
		{name: "missing type", frame: `{"id":"x"}`, wantErr: true},
		{name: "not json", frame: `ping`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := Decode([]byte(tt.frame))
			if tt.wantErr {
				require.Error(t, err)
				we, ok := wireError(err)
				require.True(t, ok)
				assert.Equal(t, CodeInvalidMessage, we.Code)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, env.RequestID())
			assert.Equal(t, tt.frame, string(env.Raw))
		})
	}
}

func TestDecode_Fields(t *testing.T) {
	env, err := Decode([]byte(`{"type":"subscribe","events":["circuit_opened"],"server":"alpha","seq":3,"params":{"x":1}}`))
	require.NoError(t, err)
	assert.Equal(t, TypeSubscribe, env.Type)
	assert.Equal(t, []string{"circuit_opened"}, env.Events)
	assert.Equal(t, "alpha", env.Server)
	assert.Equal(t, uint64(3), env.Seq)
	assert.JSONEq(t, `{"x":1}`, string(env.Params))
}

func TestWireError(t *testing.T) {
	tests := []struct {
		err      error
		wantCode string
		wantOK   bool
	}{
		{fmt.Errorf("%w: a", upstream.ErrCircuitOpen), CodeCircuitOpen, true},
		{fmt.Errorf("%w: a", upstream.ErrUnknownUpstream), CodeUnknownUpstream, true},
		{upstream.ErrArchived, CodeUnknownUpstream, true},
		{fmt.Errorf("%w: 3", ErrCapacity), CodeCapacityExceeded, true},
		{ErrRequestTimeout, CodeRequestTimeout, true},
		{ErrNotConnected, CodeNotConnected, true},
		{fmt.Errorf("%w: bad", upstream.ErrInvalidParams), CodeInvalidMessage, true},
		{fmt.Errorf("%w: boom", upstream.ErrToolFailed), CodeUpstreamError, true},
		{&Error{Code: "custom", Message: "m"}, "custom", true},
		{errors.New("nil pointer somewhere"), "", false},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			we, ok := wireError(tt.err)
			assert.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, tt.wantCode, we.Code)
			}
		})
	}
}
