package discovery

import (
	"context"
	"errors"
	"fmt"

	"pidscope/internal/obd"
	"pidscope/internal/queue"
	"pidscope/pkg/log"

	"go.uber.org/zap"
)

// Requester sends one request and waits for its reply.
type Requester interface {
	Do(ctx context.Context, req obd.Request) (obd.Response, error)
}

// Progress is told the outcome of every bank query. err is nil for a bank that
// answered, even with "NO DATA".
type Progress func(bank obd.SupportedPIDs, found obd.PIDList, err error)

// Discover queries the seven "PIDs supported" banks in order and returns every
// code the vehicle declared, sorted ascending. A bank that times out or answers
// with an error contributes nothing. Only a link failure or cancellation aborts.
func Discover(ctx context.Context, r Requester, progress Progress) (obd.SupportedSet, error) {
	var codes []obd.PidCode
	for _, base := range obd.SupportedBanks {
		bank := obd.SupportedPIDs{Base: base}
		found, err := queryBank(ctx, r, bank)
		if progress != nil {
			progress(bank, found, err)
		}
		if err != nil && !errors.Is(err, queue.ErrTimeout) {
			return obd.SupportedSet{}, fmt.Errorf("discover %s: %w", bank.Name(), err)
		}
		codes = append(codes, found...)
	}

	set := obd.NewSupportedSet(codes...).Sorted()
	log.Info("Supported PIDs discovered", zap.Int("count", set.Len()))
	return set, nil
}

func queryBank(ctx context.Context, r Requester, bank obd.SupportedPIDs) (obd.PIDList, error) {
	resp, err := r.Do(ctx, obd.PIDRequest(bank.PID()))
	if err != nil {
		if errors.Is(err, queue.ErrTimeout) {
			log.Warn("Bank query timed out", zap.String("bank", bank.Name()))
		}
		return nil, err
	}

	frames := resp.FramesFor(bank.PID())
	if len(frames) == 0 {
		log.Info("Bank not answered", zap.String("bank", bank.Name()), zap.String("reply", resp.Text()))
		return nil, nil
	}

	// every responding ECU contributes its own bitmask
	var found obd.PIDList
	for _, frame := range frames {
		v, err := bank.Decode(frame.Data)
		if err != nil {
			log.Warn("Bank reply not decoded", zap.String("bank", bank.Name()), zap.Error(err))
			continue
		}
		found = append(found, v.(obd.PIDList)...)
	}
	if len(frames) > 1 {
		found = obd.PIDList(obd.NewSupportedSet(found...).Sorted().Codes())
	}
	log.Debug("Bank decoded", zap.String("bank", bank.Name()), zap.Int("frames", len(frames)), zap.Int("count", len(found)))
	return found, nil
}
