package common

import (
	"errors"
	"math"
)

var (
	ErrQuotaRequestsExceeded = errors.New("quota requests exceeded")
	ErrQuotaMintCapExceeded  = errors.New("quota mint cap exceeded")
	ErrQuotaCounterOverflow  = errors.New("quota counter overflow")
)

// QuotaNow captures the current quota usage counters for a collateral type.
type QuotaNow struct {
	ReqCount uint32
	Minted   uint64
	EpochID  uint64
}

// Quota defines the mint throttles enforced per collateral type and epoch.
type Quota struct {
	MaxRequestsPerEpoch uint32
	MaxMintPerEpoch     uint64
	EpochSeconds        uint32
}

// CheckQuota verifies whether the additional operation and minted amount fit
// within the configured quota. The returned QuotaNow reflects the updated
// counters when the quota is not exceeded.
func CheckQuota(q Quota, nowEpoch uint64, prev QuotaNow, addReq uint32, addMint uint64) (QuotaNow, error) {
	next := prev
	if prev.EpochID != nowEpoch {
		next = QuotaNow{EpochID: nowEpoch}
	}

	if addReq > 0 {
		if next.ReqCount > math.MaxUint32-addReq {
			return prev, ErrQuotaCounterOverflow
		}
		next.ReqCount += addReq
	}
	if q.MaxRequestsPerEpoch > 0 && next.ReqCount > q.MaxRequestsPerEpoch {
		return prev, ErrQuotaRequestsExceeded
	}

	if addMint > 0 {
		if next.Minted > math.MaxUint64-addMint {
			return prev, ErrQuotaCounterOverflow
		}
		next.Minted += addMint
	}
	if q.MaxMintPerEpoch > 0 && next.Minted > q.MaxMintPerEpoch {
		return prev, ErrQuotaMintCapExceeded
	}

	return next, nil
}
