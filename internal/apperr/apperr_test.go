package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindSurvivesWrapping(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("enqueue: %w", DuplicatePath("/tmp/a.wav", "job-1"))
	require.Equal(t, KindDuplicatePath, KindOf(err))
	require.True(t, errors.Is(err, &Error{Kind: KindDuplicatePath}))
	require.False(t, errors.Is(err, &Error{Kind: KindScan}))
}

func TestPayloadIncludesCause(t *testing.T) {
	t.Parallel()

	p := PayloadOf(ModelLoad("medium", errors.New("out of memory")))
	require.Equal(t, KindModelLoad, p.Kind)
	require.Contains(t, p.Message, "medium")
	require.Contains(t, p.Message, "out of memory")
}

func TestPayloadOfForeignError(t *testing.T) {
	t.Parallel()

	p := PayloadOf(errors.New("boom"))
	require.Equal(t, Payload{Kind: KindInternal, Message: "boom"}, p)
	require.Equal(t, Payload{}, PayloadOf(nil))
}

func TestUnwrapExposesCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("exit status 1")
	err := Transcription("a.wav", cause)
	require.ErrorIs(t, err, cause)
	require.Equal(t, "a.wav", err.Details["path"])
}

func TestHTTPStatus(t *testing.T) {
	t.Parallel()

	require.Equal(t, http.StatusConflict, HTTPStatus(KindDuplicatePath))
	require.Equal(t, http.StatusBadRequest, HTTPStatus(KindInvalid))
	require.Equal(t, http.StatusNotFound, HTTPStatus(KindNotFound))
	require.Equal(t, http.StatusInternalServerError, HTTPStatus(KindInternal))
}
