package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestStateHappyPath(t *testing.T) {
	t.Parallel()

	st := newRequestState("req-1")
	assert.Equal(t, StateReceived, st.current)
	for _, next := range []RequestState{StateValidated, StateDecoded, StateInferred, StateResponded} {
		require.NoError(t, st.advance(next))
		assert.Equal(t, next, st.current)
	}

	// terminal
	require.Error(t, st.advance(StateValidated))
	st.fail()
	assert.Equal(t, StateResponded, st.current)
}

func TestRequestStateRejectsSkips(t *testing.T) {
	t.Parallel()

	st := newRequestState("req-2")
	require.Error(t, st.advance(StateDecoded))
	require.Error(t, st.advance(StateResponded))
	assert.Equal(t, StateReceived, st.current)
}

func TestRequestStateFailure(t *testing.T) {
	t.Parallel()

	st := newRequestState("req-3")
	require.NoError(t, st.advance(StateValidated))
	st.fail()
	assert.Equal(t, StateError, st.current)
	assert.Equal(t, StateValidated, st.failedIn)

	// ERROR absorbs
	st.fail()
	assert.Equal(t, StateValidated, st.failedIn)
	require.Error(t, st.advance(StateDecoded))
}
