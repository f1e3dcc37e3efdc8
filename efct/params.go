package efct

import (
	"errors"
	"fmt"
	"math/bits"

	"go.uber.org/zap"
)

var ErrUnsupportedDesign = errors.New("unsupported NIC design parameter")

// DesignParameters are the values a NIC reports about its layout.
type DesignParameters struct {
	RxSuperbufBytes      uint64
	RxFrameOffset        uint64
	TxApertureBytes      uint64
	TxFIFOBytes          uint64
	TimestampSubnanoBits uint32
	UnsolCreditSeqMask   uint32
}

// DefaultDesignParameters returns what current hardware reports.
func DefaultDesignParameters() DesignParameters {
	return DesignParameters{
		RxSuperbufBytes:      SuperbufBytes,
		RxFrameOffset:        RxFrameOffset,
		TxApertureBytes:      1 << 12,
		TxFIFOBytes:          1 << 15,
		TimestampSubnanoBits: DefaultTimestampSubnanoBits,
		UnsolCreditSeqMask:   DefaultUnsolCreditSeqMask,
	}
}

// negotiated holds the run-time values derived from design parameters.
type negotiated struct {
	apertureMask       uint64
	ctFIFOBytes        uint32
	tsSubnanoBits      uint32
	unsolCreditSeqMask uint32
}

// CheckDesignParameters verifies that dp matches the assumptions compiled
// into the fast path.
func CheckDesignParameters(dp DesignParameters) error {
	_, err := negotiate(dp, zap.NewNop())
	return err
}

func negotiate(dp DesignParameters, log *zap.Logger) (negotiated, error) {
	reject := func(name string, got uint64, want string) (negotiated, error) {
		log.Info("Rejecting NIC design parameter",
			zap.String("param", name),
			zap.Uint64("got", got),
			zap.String("want", want),
		)
		return negotiated{}, fmt.Errorf("%w: %s = %d, want %s", ErrUnsupportedDesign, name, got, want)
	}

	// Superbuf size and frame offset are constants on the fast path.
	if dp.RxSuperbufBytes != SuperbufBytes {
		return reject("rx_superbuf_bytes", dp.RxSuperbufBytes, fmt.Sprint(SuperbufBytes))
	}
	if dp.RxFrameOffset != RxFrameOffset {
		return reject("rx_frame_offset", dp.RxFrameOffset, fmt.Sprint(RxFrameOffset))
	}
	// The aperture offset is kept in range with a mask over 8-byte words.
	if dp.TxApertureBytes < TxAlignment || bits.OnesCount64(dp.TxApertureBytes) != 1 {
		return reject("tx_aperture_bytes", dp.TxApertureBytes, "a power of two >= 64")
	}
	// The hardware keeps one cache line back for its overflow tracking,
	// and every packet carries a header word.
	if dp.TxFIFOBytes <= TxAlignment+TxHeaderBytes || dp.TxFIFOBytes > 1<<31 {
		return reject("tx_fifo_bytes", dp.TxFIFOBytes, "between 73 and 2^31")
	}
	if dp.TimestampSubnanoBits >= 32 {
		return reject("timestamp_subnano_bits", uint64(dp.TimestampSubnanoBits), "< 32")
	}
	if dp.UnsolCreditSeqMask == 0 || dp.UnsolCreditSeqMask > uint32(unsolGrantSeq.mask()) {
		return reject("unsol_credit_seq_mask", uint64(dp.UnsolCreditSeqMask), "a non-zero 16-bit mask")
	}

	return negotiated{
		apertureMask:       (dp.TxApertureBytes - 1) >> 3,
		ctFIFOBytes:        uint32(dp.TxFIFOBytes - TxAlignment - TxHeaderBytes),
		tsSubnanoBits:      dp.TimestampSubnanoBits,
		unsolCreditSeqMask: dp.UnsolCreditSeqMask,
	}, nil
}
