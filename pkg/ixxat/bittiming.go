package ixxat

import (
	"fmt"
	"math"
)

// BitTiming is a resolved bit timing in time quanta.
type BitTiming struct {
	Bitrate     uint32 // bit/s
	SamplePoint uint32 // per mille
	PropSeg     uint32
	PhaseSeg1   uint32
	PhaseSeg2   uint32
	SJW         uint32
	BRP         uint32
}

func (bt BitTiming) String() string {
	return fmt.Sprintf("%d bit/s sp %d.%d%% brp %d tseg1 %d tseg2 %d sjw %d",
		bt.Bitrate, bt.SamplePoint/10, bt.SamplePoint%10, bt.BRP, bt.PropSeg+bt.PhaseSeg1, bt.PhaseSeg2, bt.SJW)
}

// ControllerConfig is what the CAN stack hands to a channel when it is opened.
type ControllerConfig struct {
	BitTiming     BitTiming
	DataBitTiming BitTiming
	Mode          CtrlMode
}

const (
	syncSeg      = 1
	maxRateError = 50 // one-tenth of a percent
)

func defaultSamplePoint(bitrate uint32) uint32 {
	switch {
	case bitrate > 800000:
		return 750
	case bitrate > 500000:
		return 800
	default:
		return 875
	}
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}

func updateSamplePoint(btc *BitTimingConst, spNominal, tseg int64) (spErr, tseg1, tseg2 int64) {
	bestErr := int64(math.MaxInt64)
	for i := int64(0); i <= 1; i++ {
		t2 := tseg + syncSeg - (spNominal*(tseg+syncSeg))/1000 - i
		t2 = max(int64(btc.TSeg2Min), min(t2, int64(btc.TSeg2Max)))
		t1 := tseg - t2
		if t1 > int64(btc.TSeg1Max) {
			t1 = int64(btc.TSeg1Max)
			t2 = tseg - t1
		}
		sp := 1000 * (tseg + syncSeg - t2) / (tseg + syncSeg)
		e := absDiff(spNominal, sp)
		if sp <= spNominal && e < bestErr {
			bestErr, tseg1, tseg2 = e, t1, t2
		}
	}
	return bestErr, tseg1, tseg2
}

// CalcBitTiming finds brp and segment lengths for bitrate on a controller with
// the given clock and limits. samplePoint is in per mille, 0 selects the CiA default.
func CalcBitTiming(clock, bitrate, samplePoint uint32, btc *BitTimingConst) (BitTiming, error) {
	if btc == nil || bitrate == 0 || clock == 0 {
		return BitTiming{}, fmt.Errorf("%w: bitrate %d", ErrNoBitTiming, bitrate)
	}
	if samplePoint == 0 {
		samplePoint = defaultSamplePoint(bitrate)
	}
	spNominal := int64(samplePoint)
	brpInc := int64(max(btc.BRPInc, 1))

	var (
		bestRateErr = int64(math.MaxInt64)
		bestSpErr   = int64(math.MaxInt64)
		bestTseg    int64
		bestBRP     int64
	)

	for tseg := int64(btc.TSeg1Max+btc.TSeg2Max)*2 + 1; tseg >= int64(btc.TSeg1Min+btc.TSeg2Min)*2; tseg-- {
		tsegAll := syncSeg + tseg/2
		brp := int64(clock)/(tsegAll*int64(bitrate)) + tseg%2
		brp = brp / brpInc * brpInc
		if brp < int64(btc.BRPMin) || brp > int64(btc.BRPMax) || brp == 0 {
			continue
		}
		rate := int64(clock) / (brp * tsegAll)
		rateErr := absDiff(int64(bitrate), rate)
		if rateErr > bestRateErr {
			continue
		}
		if rateErr < bestRateErr {
			bestSpErr = math.MaxInt64
		}
		spErr, _, _ := updateSamplePoint(btc, spNominal, tseg/2)
		if spErr > bestSpErr {
			continue
		}
		bestSpErr, bestRateErr = spErr, rateErr
		bestTseg, bestBRP = tseg/2, brp
		if rateErr == 0 && spErr == 0 {
			break
		}
	}

	if bestBRP == 0 {
		return BitTiming{}, fmt.Errorf("%w: %d bit/s with %d Hz clock", ErrNoBitTiming, bitrate, clock)
	}
	if bestRateErr != 0 && bestRateErr*1000/int64(bitrate) > maxRateError {
		return BitTiming{}, fmt.Errorf("%w: %d bit/s off by %d bit/s", ErrNoBitTiming, bitrate, bestRateErr)
	}

	_, tseg1, tseg2 := updateSamplePoint(btc, spNominal, bestTseg)
	bt := BitTiming{
		PropSeg:   uint32(tseg1 / 2),
		PhaseSeg1: uint32(tseg1 - tseg1/2),
		PhaseSeg2: uint32(tseg2),
		SJW:       1,
		BRP:       uint32(bestBRP),
	}
	total := int64(syncSeg) + tseg1 + tseg2
	bt.Bitrate = uint32(int64(clock) / (bestBRP * total))
	bt.SamplePoint = uint32(1000 * (total - tseg2) / total)
	return bt, nil
}
