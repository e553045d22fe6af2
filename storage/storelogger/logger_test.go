package storelogger

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yamigr/pusudb/storage/memory"
	"github.com/yamigr/pusudb/storage/testsuite"
)

func TestSuite(t *testing.T) {
	opener := NewOpener(zaptest.NewLogger(t), memory.NewOpener())
	defer func() { _ = opener.Close() }()

	store, err := opener.Open("person")
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	testsuite.RunTests(t, store)
}
