package cmd

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitCodeForBindError(t *testing.T) {
	err := bindError(errors.New("listen failed"))
	assert.Equal(t, 2, exitCodeFor(err))
}

func TestExitCodeForConfigError(t *testing.T) {
	err := configError(errors.New("bad flags"))
	assert.Equal(t, 3, exitCodeFor(err))
}

func TestExitCodeForUnwrappedErrorDefaultsToOne(t *testing.T) {
	assert.Equal(t, 1, exitCodeFor(errors.New("anything else")))
}

func TestExitCodeForWrappedCliErrorUnwindsToItsCode(t *testing.T) {
	err := fmt.Errorf("context: %w", bindError(errors.New("listen failed")))
	assert.Equal(t, 2, exitCodeFor(err))
}
