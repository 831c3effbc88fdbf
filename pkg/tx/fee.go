package tx

import "math"

// Per-component sizes of the SigningBytes layout.
const (
	txOverheadSize = 4 + 4 + 4 + 8   // version + inputCount + outputCount + locktime
	txInputSize    = 32 + 4          // txID + index
	txOutputSize   = 8 + 1 + 4 + 20 // value + scriptType + scriptDataLen + P2PKH addr
)

// EstimateTxFee returns the minimum fee for a transaction with the given
// number of inputs and P2PKH outputs at the given fee rate (base units per byte).
func EstimateTxFee(numInputs, numOutputs int, feeRate uint64) uint64 {
	size := txOverheadSize + txInputSize*numInputs + txOutputSize*numOutputs
	return uint64(size) * feeRate
}

// EstimateLockFee returns the fee an instantly locked transaction of the
// given shape must pay: perInput for every input, never less than perInput
// in total, and never less than EstimateTxFee at lockRate.
func EstimateLockFee(numInputs, numOutputs int, perInput, lockRate uint64) uint64 {
	fee := perInput
	if n := uint64(numInputs); n > 0 {
		if perInput > math.MaxUint64/n {
			return math.MaxUint64
		}
		fee = max(fee, perInput*n)
	}
	return max(fee, EstimateTxFee(numInputs, numOutputs, lockRate))
}
