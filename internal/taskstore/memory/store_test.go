package memory

import (
	"testing"

	"github.com/JakeFAU/portal-bulletin-watcher/internal/bulletin"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/taskstore/storetest"
)

func TestStoreConformance(t *testing.T) {
	t.Parallel()

	storetest.Run(t, func(*testing.T) bulletin.TaskStore { return New(nil) })
}
