package access

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/procfs"
	"github.com/teleview/teleview-server/logging"
)

var (
	procPath   = "/proc"
	txRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teleview_access_txcontroller_requests_total",
			Help: "Total number of requests handled by the access txcontroller.",
		},
		[]string{"request"},
	)
	txRate = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "teleview_access_txcontroller_bits_per_second",
			Help: "Transmit rate of the watched device, as last measured by the txcontroller.",
		},
	)
)

// TxController refuses new sessions while the watched device transmits
// more than the limit. A video session is a sustained stream, so a
// saturated uplink would only degrade every running session.
type TxController struct {
	period  time.Duration
	device  string
	current uint64
	limit   uint64
	pfs     procfs.FS
}

// NewTxController creates a controller watching device every second.
// Callers should run Watch in a goroutine to regularly update the current
// rate.
func NewTxController(device string, limit uint64) (*TxController, error) {
	pfs, err := procfs.NewFS(procPath)
	if err != nil {
		return nil, err
	}
	// Read the device once to verify that the device exists.
	_, err = readNetDevLine(pfs, device)
	if err != nil {
		return nil, err
	}
	return &TxController{
		device: device,
		limit:  limit,
		pfs:    pfs,
		period: time.Second,
	}, nil
}

// Current returns the last measured rate in bits per second.
func (tx *TxController) Current() uint64 {
	return atomic.LoadUint64(&tx.current)
}

// Limit enforces that the TxController rate limit is respected before running
// the next handler. If the limit is zero, all requests are accepted.
func (tx *TxController) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := tx.Current()
		if tx.limit > 0 && cur > tx.limit && !GetMonitoring(r.Context()) {
			txRequests.WithLabelValues("rejected").Inc()
			// 503 - https://tools.ietf.org/html/rfc7231#section-6.6.4
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		txRequests.WithLabelValues("accepted").Inc() // accepted != success.
		next.ServeHTTP(w, r)
	})
}

// Watch updates the current rate every period. If the context is cancelled, the
// context error is returned. If the limit is zero, Watch returns
// immediately.
func (tx *TxController) Watch(ctx context.Context) error {
	if tx.limit == 0 {
		return nil
	}
	t := time.NewTicker(tx.period)
	defer t.Stop()

	// Read current value of TxBytes for device to initialize the following loop.
	v, err := readNetDevLine(tx.pfs, tx.device)
	if err != nil {
		return err
	}
	start := time.Now()
	for prev := v.TxBytes; ; {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-t.C:
			v, err := readNetDevLine(tx.pfs, tx.device)
			if err != nil {
				logging.Logger.WithError(err).Warn("txcontroller: cannot read net/dev")
				continue
			}
			elapsed := now.Sub(start).Seconds()
			start = now
			cur := uint64(float64((v.TxBytes-prev)*8) / elapsed)
			atomic.StoreUint64(&tx.current, cur)
			txRate.Set(float64(cur))
			prev = v.TxBytes
		}
	}
}

func readNetDevLine(pfs procfs.FS, device string) (procfs.NetDevLine, error) {
	nd, err := pfs.NetDev()
	if err != nil {
		return procfs.NetDevLine{}, err
	}
	v, ok := nd[device]
	if !ok {
		return procfs.NetDevLine{}, fmt.Errorf("device not found: %q", device)
	}
	return v, nil
}
