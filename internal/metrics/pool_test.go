package metrics

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// newIdlePool returns a pool that has never connected; pgxpool connects
// lazily so Stat() is valid without a database.
func newIdlePool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	pool, err := pgxpool.New(context.Background(), "postgres://lldrules@127.0.0.1:1/lldrules")
	if err != nil {
		t.Skipf("unable to create pgxpool: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func TestRegisterPoolMetrics(t *testing.T) {
	pool := newIdlePool(t)

	reg := prometheus.NewPedanticRegistry()
	RegisterPoolMetrics(reg, pool)

	expected := fmt.Sprintf(`
# HELP lldrules_db_pool_acquired Number of currently acquired database connections.
# TYPE lldrules_db_pool_acquired gauge
lldrules_db_pool_acquired 0
# HELP lldrules_db_pool_acquires_total Total number of successful connection acquires.
# TYPE lldrules_db_pool_acquires_total counter
lldrules_db_pool_acquires_total 0
# HELP lldrules_db_pool_max Maximum number of database connections allowed in the pool.
# TYPE lldrules_db_pool_max gauge
lldrules_db_pool_max %d
`, pool.Stat().MaxConns())

	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"lldrules_db_pool_acquired",
		"lldrules_db_pool_acquires_total",
		"lldrules_db_pool_max",
	); err != nil {
		t.Errorf("unexpected metrics output:\n%v", err)
	}
}

func TestRegisterPoolMetricsFamilies(t *testing.T) {
	pool := newIdlePool(t)

	reg := prometheus.NewPedanticRegistry()
	RegisterPoolMetrics(reg, pool)

	for i := 0; i < 2; i++ {
		mfs, err := reg.Gather()
		if err != nil {
			t.Fatalf("gather %d failed: %v", i, err)
		}
		if len(mfs) != 8 {
			t.Errorf("gather %d: expected 8 metric families, got %d", i, len(mfs))
		}
	}

	if n := testutil.CollectAndCount(&poolCollector{pool: pool}); n != 0 {
		t.Errorf("collector without metrics reported %d samples", n)
	}
}
