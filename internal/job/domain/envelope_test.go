package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEnvelope(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantErr    bool
		wantError  string
		wantResult string
	}{
		{
			name:       "result member",
			body:       `{"id":"job-1","result":{"score":0.9}}`,
			wantResult: `{"score":0.9}`,
		},
		{
			name:       "no result member keeps whole message",
			body:       `{"id": "job-1", "score": 0.9}`,
			wantResult: `{"id":"job-1","score":0.9}`,
		},
		{
			name:      "error string",
			body:      `{"id":"job-2","error":"decode failed"}`,
			wantError: "decode failed",
		},
		{
			name:      "exception string",
			body:      `{"id":"job-2","exception":"Traceback: boom"}`,
			wantError: "Traceback: boom",
		},
		{
			name:      "error wins over result",
			body:      `{"id":"job-2","error":"decode failed","result":{"score":1}}`,
			wantError: "decode failed",
		},
		{
			name:      "error wins over exception",
			body:      `{"id":"job-2","error":"first","exception":"second"}`,
			wantError: "first",
		},
		{
			name:      "structured error kept as json",
			body:      `{"id":"job-2","error":{"code": 7}}`,
			wantError: `{"code":7}`,
		},
		{
			name:       "empty error string is not an error",
			body:       `{"id":"job-3","error":"","result":{"ok":true}}`,
			wantResult: `{"ok":true}`,
		},
		{
			name:       "null exception is not an error",
			body:       `{"id":"job-3","exception":null,"result":[1,2]}`,
			wantResult: `[1,2]`,
		},
		{
			name:    "not json",
			body:    `not-json`,
			wantErr: true,
		},
		{
			name:    "array body",
			body:    `[1,2,3]`,
			wantErr: true,
		},
		{
			name:    "missing id",
			body:    `{"result":{}}`,
			wantErr: true,
		},
		{
			name:    "numeric id",
			body:    `{"id":12}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := DecodeEnvelope([]byte(tt.body))

			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrMalformedResponse))
				assert.Nil(t, env)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, env)

			if tt.wantError != "" {
				assert.True(t, env.HasError)
				assert.Equal(t, tt.wantError, env.Error)
				assert.Nil(t, env.Result)
			} else {
				assert.False(t, env.HasError)
				assert.JSONEq(t, tt.wantResult, string(env.Result))
				assert.Equal(t, tt.wantResult, string(env.Result))
			}
		})
	}
}

func TestShouldRequeue(t *testing.T) {
	assert.False(t, ShouldRequeue(ErrMalformedResponse))
	assert.False(t, ShouldRequeue(errors.New("boom")))
	assert.True(t, ShouldRequeue(NewRetryableError(errors.New("db down"))))
	assert.False(t, ShouldRequeue(NewRetryableError(ErrMalformedResponse)))
}

func TestStatus(t *testing.T) {
	assert.False(t, StatusProcessing.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusError.IsTerminal())
	assert.True(t, StatusError.Valid())
	assert.False(t, Status("RUNNING").Valid())
}

func TestDescriptorValidate(t *testing.T) {
	valid := Descriptor{
		ID:       "job-1",
		Version:  DescriptorVersion,
		Op:       Operation{Name: "ac-1", Version: OperationVersion},
		Input:    InputRef{Path: "/data/in.jpg"},
		Outputs:  []OutputSpec{{Kind: OutputKindResult}},
		Callback: Callback{Mode: CallbackModeRabbitMQ, ReplyTo: "task_response"},
	}
	require.NoError(t, valid.Validate())

	noID := valid
	noID.ID = ""
	assert.ErrorIs(t, noID.Validate(), ErrInvalidDescriptor)

	noOutputs := valid
	noOutputs.Outputs = nil
	assert.ErrorIs(t, noOutputs.Validate(), ErrInvalidDescriptor)

	noReply := valid
	noReply.Callback.ReplyTo = ""
	assert.ErrorIs(t, noReply.Validate(), ErrInvalidDescriptor)
}
