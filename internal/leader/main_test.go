package leader

import (
	"testing"

	"github.com/dreamware/shardctl/internal/coord/coordtest"
)

func TestMain(m *testing.M) { coordtest.Main(m) }
