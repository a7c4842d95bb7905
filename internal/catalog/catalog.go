// Package catalog хранит предложения единственной продуктовой линейки воронки.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/vladislavdragonenkov/funnel/internal/domain"
)

// Settings — переменные окружения, влияющие на каталог.
type Settings struct {
	Path     string `env:"FUNNEL_CATALOG_PATH"`
	Currency string `env:"FUNNEL_CATALOG_CURRENCY"`
}

// File — формат YAML-файла каталога.
type File struct {
	Currency string         `yaml:"currency"`
	Offers   []domain.Offer `yaml:"offers"`
}

// Catalog — проверенный неизменяемый набор предложений.
type Catalog struct {
	currency string
	main     []domain.Offer
	bySKU    map[string]domain.Offer
	upsells  map[domain.OfferSlot]domain.Offer
}

// ReadSettings читает Settings из environ; nil означает окружение процесса.
func ReadSettings(environ map[string]string) (Settings, error) {
	var settings Settings
	if err := env.ParseWithOptions(&settings, env.Options{Environment: environ}); err != nil {
		return Settings{}, fmt.Errorf("parse catalog env: %w", err)
	}
	settings.Path = strings.TrimSpace(settings.Path)
	settings.Currency = strings.TrimSpace(settings.Currency)
	return settings, nil
}

// FromEnv читает Settings из окружения и загружает каталог.
func FromEnv() (*Catalog, error) {
	settings, err := ReadSettings(nil)
	if err != nil {
		return nil, err
	}
	return Load(settings)
}

// Load загружает каталог из файла (если путь задан) или берёт встроенный.
func Load(settings Settings) (*Catalog, error) {
	file := defaultFile()
	if path := strings.TrimSpace(settings.Path); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read catalog file: %w", err)
		}
		file, err = Parse(data)
		if err != nil {
			return nil, err
		}
	}
	if currency := strings.TrimSpace(settings.Currency); currency != "" {
		file.Currency = currency
	}
	return New(file)
}

// Parse разбирает YAML-описание каталога.
func Parse(data []byte) (File, error) {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return File{}, fmt.Errorf("decode catalog yaml: %w", err)
	}
	return file, nil
}

// Default возвращает встроенный каталог.
func Default() *Catalog {
	c, err := New(defaultFile())
	if err != nil {
		panic(fmt.Sprintf("default catalog is invalid: %v", err))
	}
	return c
}

func defaultFile() File {
	return File{
		Currency: "USD",
		Offers: []domain.Offer{
			{Slot: domain.OfferSlotMain, SKU: "GLOW-1", Name: "Glow Serum, 1 bottle", Qty: 1, PriceMinor: 4900},
			{Slot: domain.OfferSlotMain, SKU: "GLOW-3", Name: "Glow Serum, 3 bottles", Qty: 3, PriceMinor: 11700},
			{Slot: domain.OfferSlotMain, SKU: "GLOW-6", Name: "Glow Serum, 6 bottles", Qty: 6, PriceMinor: 19800},
			{Slot: domain.OfferSlotUpsell1, SKU: "GLOW-NIGHT", Name: "Night Repair Cream", Qty: 1, PriceMinor: 2900},
			{Slot: domain.OfferSlotUpsell2, SKU: "GLOW-CARE", Name: "Priority Care Plan", Qty: 1, PriceMinor: 1500},
		},
	}
}

// New проверяет описание каталога и строит индекс.
func New(file File) (*Catalog, error) {
	currency := strings.ToUpper(strings.TrimSpace(file.Currency))
	if len(currency) != 3 {
		return nil, fmt.Errorf("catalog currency must be a 3-letter code, got %q", file.Currency)
	}

	c := &Catalog{
		currency: currency,
		bySKU:    make(map[string]domain.Offer, len(file.Offers)),
		upsells:  make(map[domain.OfferSlot]domain.Offer, 2),
	}

	var errs []error
	for i, offer := range file.Offers {
		if offerErrs := offer.Validate(); len(offerErrs) > 0 {
			errs = append(errs, fmt.Errorf("offer[%d]: %w", i, errors.Join(offerErrs...)))
			continue
		}
		if _, dup := c.bySKU[offer.SKU]; dup {
			errs = append(errs, fmt.Errorf("offer[%d]: duplicate sku %s", i, offer.SKU))
			continue
		}
		c.bySKU[offer.SKU] = offer

		if offer.Slot == domain.OfferSlotMain {
			c.main = append(c.main, offer)
			continue
		}
		if _, dup := c.upsells[offer.Slot]; dup {
			errs = append(errs, fmt.Errorf("offer[%d]: slot %s already has an offer", i, offer.Slot))
			continue
		}
		c.upsells[offer.Slot] = offer
	}
	if len(c.main) == 0 {
		errs = append(errs, errors.New("catalog must contain at least one main offer"))
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid catalog: %w", errors.Join(errs...))
	}

	return c, nil
}

// Currency возвращает валюту каталога.
func (c *Catalog) Currency() string { return c.currency }

// MainOffers возвращает копию основных предложений в порядке описания.
func (c *Catalog) MainOffers() []domain.Offer {
	return append([]domain.Offer(nil), c.main...)
}

// MainOffer находит основное предложение по SKU.
func (c *Catalog) MainOffer(sku string) (domain.Offer, error) {
	offer, ok := c.bySKU[sku]
	if !ok || offer.Slot != domain.OfferSlotMain {
		return domain.Offer{}, fmt.Errorf("%w: %s", domain.ErrUnknownOffer, sku)
	}
	return offer, nil
}

// Upsell возвращает допредложение для шага, если оно настроено.
func (c *Catalog) Upsell(step domain.Step) (domain.Offer, bool) {
	slot, ok := domain.SlotForStep(step)
	if !ok {
		return domain.Offer{}, false
	}
	offer, ok := c.upsells[slot]
	return offer, ok
}

// Describe возвращает каталог в формате YAML-файла: основные предложения, затем допредложения по шагам.
func (c *Catalog) Describe() File {
	offers := c.MainOffers()
	for _, slot := range []domain.OfferSlot{domain.OfferSlotUpsell1, domain.OfferSlotUpsell2} {
		if offer, ok := c.upsells[slot]; ok {
			offers = append(offers, offer)
		}
	}
	return File{Currency: c.currency, Offers: offers}
}
