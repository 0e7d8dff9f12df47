package memstore_test

import (
	"testing"

	"github.com/scarson/jobrunner/internal/jobs"
	"github.com/scarson/jobrunner/internal/jobs/jobstest"
	"github.com/scarson/jobrunner/internal/store/memstore"
)

func TestStoreContract(t *testing.T) {
	jobstest.Run(t, func(*testing.T) jobs.Store { return memstore.New() })
}
