package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/funnel/internal/domain"
)

const sampleYAML = `
currency: eur
offers:
  - slot: main
    sku: KIT-1
    name: Starter kit
    qty: 1
    price_minor: 3900
  - slot: upsell_2
    sku: KIT-PLUS
    name: Refill
    qty: 2
    price_minor: 1800
`

func TestDefaultCatalog(t *testing.T) {
	c := Default()

	assert.Equal(t, "USD", c.Currency())
	assert.Len(t, c.MainOffers(), 3)

	offer, err := c.MainOffer("GLOW-3")
	require.NoError(t, err)
	assert.Equal(t, int64(11700), offer.PriceMinor)

	_, ok := c.Upsell(domain.StepUpsell1)
	assert.True(t, ok)
	_, ok = c.Upsell(domain.StepCheckout)
	assert.False(t, ok)
}

func TestMainOfferRejectsUpsellSKU(t *testing.T) {
	_, err := Default().MainOffer("GLOW-NIGHT")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrUnknownOffer))
}

func TestLoadFromFileWithCurrencyOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	c, err := Load(Settings{Path: path})
	require.NoError(t, err)
	assert.Equal(t, "EUR", c.Currency())
	_, ok := c.Upsell(domain.StepUpsell1)
	assert.False(t, ok, "upsell_1 is not configured in the file")
	up2, ok := c.Upsell(domain.StepUpsell2)
	require.True(t, ok)
	assert.Equal(t, "KIT-PLUS", up2.SKU)

	c, err = Load(Settings{Path: path, Currency: "gbp"})
	require.NoError(t, err)
	assert.Equal(t, "GBP", c.Currency())
}

func TestFromEnv(t *testing.T) {
	t.Setenv("FUNNEL_CATALOG_PATH", "")
	t.Setenv("FUNNEL_CATALOG_CURRENCY", "cad")

	c, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "CAD", c.Currency())
}

func TestReadSettings(t *testing.T) {
	settings, err := ReadSettings(map[string]string{
		"FUNNEL_CATALOG_PATH":     " /etc/funnel/catalog.yaml ",
		"FUNNEL_CATALOG_CURRENCY": "eur",
		"FUNNEL_HTTP_ADDR":        ":9999",
	})
	require.NoError(t, err)
	assert.Equal(t, Settings{Path: "/etc/funnel/catalog.yaml", Currency: "eur"}, settings)

	settings, err = ReadSettings(map[string]string{})
	require.NoError(t, err)
	assert.Zero(t, settings)
}

func TestNewRejectsInvalidCatalog(t *testing.T) {
	tests := map[string]File{
		"no main offer": {Currency: "USD", Offers: []domain.Offer{
			{Slot: domain.OfferSlotUpsell1, SKU: "U1", Qty: 1, PriceMinor: 1},
		}},
		"duplicate sku": {Currency: "USD", Offers: []domain.Offer{
			{Slot: domain.OfferSlotMain, SKU: "M", Qty: 1},
			{Slot: domain.OfferSlotMain, SKU: "M", Qty: 2},
		}},
		"two offers in one upsell slot": {Currency: "USD", Offers: []domain.Offer{
			{Slot: domain.OfferSlotMain, SKU: "M", Qty: 1},
			{Slot: domain.OfferSlotUpsell1, SKU: "U1", Qty: 1},
			{Slot: domain.OfferSlotUpsell1, SKU: "U2", Qty: 1},
		}},
		"bad currency": {Currency: "dollars", Offers: []domain.Offer{
			{Slot: domain.OfferSlotMain, SKU: "M", Qty: 1},
		}},
		"invalid offer": {Currency: "USD", Offers: []domain.Offer{
			{Slot: domain.OfferSlotMain, SKU: "", Qty: 0},
		}},
	}

	for name, file := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := New(file)
			require.Error(t, err)
		})
	}
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	_, err := Parse([]byte("offers: [unterminated"))
	require.Error(t, err)
}

func TestDescribeRoundTripsThroughNew(t *testing.T) {
	c := Default()

	file := c.Describe()
	assert.Equal(t, "USD", file.Currency)
	require.Len(t, file.Offers, 5)
	assert.Equal(t, domain.OfferSlotUpsell1, file.Offers[3].Slot)
	assert.Equal(t, domain.OfferSlotUpsell2, file.Offers[4].Slot)

	rebuilt, err := New(file)
	require.NoError(t, err)
	assert.Equal(t, c.MainOffers(), rebuilt.MainOffers())
}
