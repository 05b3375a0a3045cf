package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tonbridge/internal/models"
)

func TestParseTransferLinkTonScheme(t *testing.T) {
	intent, err := ParseTransferLink("ton://transfer/" + testWalletID + "?amount=1000000&text=hello")
	require.NoError(t, err)
	assert.Equal(t, testWalletID, intent.Address)
	assert.Equal(t, "1000000", intent.Amount)
	assert.Equal(t, "hello", intent.Text)
}

func TestParseTransferLinkTonkeeperWeb(t *testing.T) {
	intent, err := ParseTransferLink("https://app.tonkeeper.com/transfer/" + testWalletID + "?amount=5")
	require.NoError(t, err)
	assert.Equal(t, testWalletID, intent.Address)
	assert.Equal(t, "5", intent.Amount)
	assert.Empty(t, intent.Text)
}

func TestParseTransferLinkRejectsForeign(t *testing.T) {
	for _, link := range []string{
		"https://example.com/transfer/" + testWalletID,
		"ton://somethingelse/" + testWalletID,
		"mailto:someone@example.com",
	} {
		_, err := ParseTransferLink(link)
		be := models.AsBridgeError(err)
		assert.Equal(t, models.CodeBadRequest, be.Code, link)
	}
}

func TestParseTransferLinkRejectsBadAddress(t *testing.T) {
	_, err := ParseTransferLink("ton://transfer/not-an-address")
	be := models.AsBridgeError(err)
	assert.Equal(t, models.CodeBadRequest, be.Code)
}

func TestInterceptReturnsIntent(t *testing.T) {
	svc := NewServiceTonLink()
	raw, err := svc.Intercept(context.Background(), "ton://transfer/"+testWalletID+"?amount=42")
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"amount":"42"`)
}
