package memory

import (
	"testing"

	"github.com/yamigr/pusudb/storage/testsuite"
)

func TestSuite(t *testing.T) {
	store := New()
	defer func() { _ = store.Close() }()

	testsuite.RunTests(t, store)
}
