package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKinds(t *testing.T) {
	t.Parallel()

	cause := errors.New("illegal base64 data at input byte 4")
	tests := []struct {
		name string
		err  error
		kind error
		msg  string
	}{
		{name: "validation", err: Validation("missing %q field", "image"), kind: ErrValidation, msg: `missing "image" field`},
		{name: "decode", err: Decode(cause, "invalid base64"), kind: ErrDecode, msg: "invalid base64"},
		{name: "inference", err: Inference(context.DeadlineExceeded, "timed out"), kind: ErrInference, msg: "timed out"},
		{name: "startup", err: Startup(cause, "load model"), kind: ErrStartup, msg: "load model"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.ErrorIs(t, tt.err, tt.kind)
			for _, other := range []error{ErrValidation, ErrDecode, ErrInference, ErrStartup} {
				if other != tt.kind {
					assert.NotErrorIs(t, tt.err, other)
				}
			}
			assert.Equal(t, tt.msg, PublicMessage(tt.err, "fallback"))

			wrapped := fmt.Errorf("handler: %w", tt.err)
			assert.ErrorIs(t, wrapped, tt.kind)
			assert.Equal(t, tt.msg, PublicMessage(wrapped, "fallback"))

			var e *Error
			assert.ErrorAs(t, wrapped, &e)
			assert.Equal(t, tt.kind, e.Kind())
		})
	}
}

func TestCauseIsReachable(t *testing.T) {
	t.Parallel()

	err := Inference(context.DeadlineExceeded, "inference timed out")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "inference timed out: context deadline exceeded", err.Error())
	assert.Equal(t, "fallback", PublicMessage(errors.New("plain"), "fallback"))
}
