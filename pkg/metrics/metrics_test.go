package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dssys/summerset-go/pkg/wire"
)

func TestRegisterStampsIdentity(t *testing.T) {
	Register(wire.ReplicaID(2), "craft")

	want := `
# HELP summerset_replica_info Static info about this replica process; value is always 1.
# TYPE summerset_replica_info gauge
summerset_replica_info{protocol="craft",replica_id="2"} 1
`
	if err := testutil.CollectAndCompare(identity, strings.NewReader(want), "summerset_replica_info"); err != nil {
		t.Fatalf("unexpected identity gauge: %v", err)
	}
}

func TestGaugesAndCountersAreRegistered(t *testing.T) {
	Term.Set(5)
	if got := testutil.ToFloat64(Term); got != 5 {
		t.Fatalf("Term = %v, want 5", got)
	}

	ClientRequestsTotal.WithLabelValues("put").Inc()
	ClientRequestsTotal.WithLabelValues("put").Inc()
	if got := testutil.ToFloat64(ClientRequestsTotal.WithLabelValues("put")); got != 2 {
		t.Fatalf("ClientRequestsTotal{kind=put} = %v, want 2", got)
	}
}
