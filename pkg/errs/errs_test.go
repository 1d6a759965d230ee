package errs

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestKindsSurviveWrapping(t *testing.T) {
	base := errors.New("dial tcp: refused")
	err := errors.Wrap(Connection("registry.acquire", "cfgA:conv1", base), "acquire")

	require.True(t, IsConnection(err))
	require.False(t, IsPersistence(err))
	require.Equal(t, KindConnection, KindOf(err))
	require.True(t, errors.Is(err, base))
	require.Contains(t, err.Error(), "cfgA:conv1")
}

func TestValidationFormatsMessage(t *testing.T) {
	err := Validation("registry.send", "cfgA:conv1", "cannot send in state %s", "CONNECTING")
	require.True(t, IsValidation(err))
	require.EqualError(t, err, "registry.send: validation error [cfgA:conv1]: cannot send in state CONNECTING")
}

func TestNilCausesGetDefaults(t *testing.T) {
	require.Contains(t, Persistence("attachments.save", "a1", nil).Error(), "durable write failed")
	require.Contains(t, Stream("assembler.handle", "", nil).Error(), "unexpected payload")
	require.Equal(t, Kind(0), KindOf(errors.New("plain")))
}
