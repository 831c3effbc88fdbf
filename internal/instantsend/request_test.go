package instantsend

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Klingon-tech/klingnet-instantsend/config"
	"github.com/Klingon-tech/klingnet-instantsend/internal/utxo"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/tx"
	"github.com/Klingon-tech/klingnet-instantsend/pkg/types"
)

func TestLockRequest_Validate(t *testing.T) {
	env := newTestEnv(t)
	rules := config.DefaultInstantSendRules()

	ok := env.spendTx(t, 0xaa, env.fund(2)...)
	fee, err := NewLockRequest(ok).Validate(env.chain, rules, testTip)
	require.NoError(t, err)
	require.Equal(t, uint64(2*testFee), fee)

	tests := []struct {
		name      string
		build     func() *tx.Transaction
		want      error
		malformed bool
	}{
		{
			name: "missing input",
			build: func() *tx.Transaction {
				return env.spendTx(t, 0xaa, types.Outpoint{TxID: types.Hash{9}, Index: 9})
			},
			want: ErrInvalidRequest,
		},
		{
			name: "immature input",
			build: func() *tx.Transaction {
				op := env.fund(1)[0]
				u, _ := env.chain.GetUTXO(op)
				u.Height = testTip - 2
				return env.spendTx(t, 0xaa, op)
			},
			want: ErrInvalidRequest,
		},
		{
			name: "too valuable",
			build: func() *tx.Transaction {
				op := env.fund(1)[0]
				u, _ := env.chain.GetUTXO(op)
				u.Value = rules.MaxLockValue + testFee + 1
				b := tx.NewBuilder().AddInput(op).PayTo(types.Address{1}, rules.MaxLockValue+1)
				require.NoError(t, b.Sign(env.user))
				return b.Build()
			},
			want: ErrInvalidRequest,
		},
		{
			name: "fee too low",
			build: func() *tx.Transaction {
				b := tx.NewBuilder().AddInput(env.fund(1)[0]).PayTo(types.Address{1}, testInputValue-1000)
				require.NoError(t, b.Sign(env.user))
				return b.Build()
			},
			want: ErrFeeTooLow,
		},
		{
			name: "non-standard output",
			build: func() *tx.Transaction {
				b := tx.NewBuilder().
					AddInput(env.fund(1)[0]).
					AddOutput(testInputValue-testFee, types.Script{Type: 0x7f, Data: []byte{1}})
				require.NoError(t, b.Sign(env.user))
				return b.Build()
			},
			want: ErrInvalidRequest,
		},
		{
			name: "input not owned by signer",
			build: func() *tx.Transaction {
				op := env.fund(1)[0]
				u, _ := env.chain.GetUTXO(op)
				u.Script = types.PayToAddress(types.Address{0xee})
				return env.spendTx(t, 0xaa, op)
			},
			want:      ErrInvalidRequest,
			malformed: true,
		},
		{
			name: "bad signature",
			build: func() *tx.Transaction {
				spend := env.spendTx(t, 0xaa, env.fund(1)...)
				spend.Inputs[0].Signature[0] ^= 0xff
				return spend
			},
			want:      ErrInvalidRequest,
			malformed: true,
		},
		{
			name: "no outputs",
			build: func() *tx.Transaction {
				spend := env.spendTx(t, 0xaa, env.fund(1)...)
				spend.Outputs = nil
				return spend
			},
			want:      ErrInvalidRequest,
			malformed: true,
		},
		{
			name: "p2sh input",
			build: func() *tx.Transaction {
				op := env.fund(1)[0]
				env.chain.put(&utxo.UTXO{
					Outpoint: op,
					Value:    testInputValue,
					Script:   types.Script{Type: types.ScriptTypeP2SH, Data: make([]byte, types.AddressSize)},
					Height:   testFundHeight,
				})
				return env.spendTx(t, 0xaa, op)
			},
			want: ErrInvalidRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLockRequest(tt.build()).Validate(env.chain, rules, testTip)
			require.ErrorIs(t, err, tt.want)
			if tt.malformed {
				require.ErrorIs(t, err, ErrMalformedRequest)
			} else {
				require.NotErrorIs(t, err, ErrMalformedRequest)
			}
		})
	}

	t.Run("nil transaction", func(t *testing.T) {
		_, err := (&LockRequest{}).Validate(env.chain, rules, testTip)
		require.ErrorIs(t, err, ErrInvalidRequest)
	})
}

func TestLockRequest_Limits(t *testing.T) {
	rules := config.DefaultInstantSendRules()
	env := newTestEnv(t)

	one := NewLockRequest(env.spendTx(t, 1, env.fund(1)...))
	require.Equal(t, rules.MinLockFee, one.MinFee(rules))
	require.Equal(t, rules.SignaturesTotal, one.MaxSignatures(rules))
	require.True(t, one.IsSimple(rules))

	three := NewLockRequest(env.spendTx(t, 1, env.fund(3)...))
	require.Equal(t, 3*rules.MinLockFee, three.MinFee(rules))
	require.Equal(t, 3*rules.SignaturesTotal, three.MaxSignatures(rules))

	rules.LockFeeRate = 1_000_000
	require.Equal(t, tx.EstimateTxFee(3, 1, rules.LockFeeRate), three.MinFee(rules))

	rules.MaxInputsForAutoLock = 2
	require.False(t, three.IsSimple(rules))
}

func TestLockRequest_JSON(t *testing.T) {
	env := newTestEnv(t)
	req := NewLockRequest(env.spendTx(t, 1, env.fund(1)...))

	data, err := json.Marshal(req)
	require.NoError(t, err)
	require.Contains(t, string(data), `"transaction"`)

	var got LockRequest
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, req.Hash(), got.Hash())

	require.Error(t, json.Unmarshal([]byte(`{}`), &got))
}
