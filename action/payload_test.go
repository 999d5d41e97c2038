package action

import (
	"testing"

	"github.com/stretchr/testify/require"

	"loanbridge/models"
)

func TestEncodeDecodeBindsType(t *testing.T) {
	raw, err := Encode(RecordDisbursement{RefHash: "aa", ProofHash: "bb"})
	require.NoError(t, err)

	decoded, err := Decode(models.ActionRecordDisbursement, raw)
	require.NoError(t, err)
	payload, ok := decoded.(RecordDisbursement)
	require.True(t, ok)
	require.Equal(t, "aa", payload.RefHash)
	require.Equal(t, models.ActionRecordDisbursement, payload.ActionType())
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	_, err := Decode(models.ActionFundLoan, `{"amount_usdc":"100","surprise":true}`)
	require.Error(t, err)
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	_, err := Decode(models.ActionType("SELF_DESTRUCT"), `{}`)
	require.Error(t, err)
}

func TestDecodeRejectsCrossTypePayload(t *testing.T) {
	raw, err := Encode(Repay{AmountKes: models.BigIntFromInt64(100), RefHash: "cc"})
	require.NoError(t, err)

	// A repay body decoded as a schedule commitment must fail loudly.
	_, err = Decode(models.ActionConfigureSchedule, raw)
	require.Error(t, err)
}

func TestEncodeNilPayload(t *testing.T) {
	_, err := Encode(nil)
	require.Error(t, err)
}
