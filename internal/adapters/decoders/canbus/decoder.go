package canbus

import (
	"time"

	"github.com/Wired-Square/WireTAP-sub002/internal/domain"
)

// CatalogDecoder binds one catalog to the decoding entry points so the
// pipeline can hold a single handle per active profile.
type CatalogDecoder struct {
	cat *domain.Catalog
}

func NewCatalogDecoder(cat *domain.Catalog) *CatalogDecoder {
	return &CatalogDecoder{cat: cat}
}

func (d *CatalogDecoder) Catalog() *domain.Catalog { return d.cat }

func (d *CatalogDecoder) Lookup(rawID uint32) (uint32, *domain.FrameDef) {
	id := d.cat.MaskID(rawID)
	return id, d.cat.Lookup(id)
}

func (d *CatalogDecoder) DecodeHeader(rawID uint32, data []byte) ([]domain.HeaderFieldValue, *uint32) {
	return DecodeHeader(rawID, data, d.cat)
}

func (d *CatalogDecoder) DecodeBody(def *domain.FrameDef, data []byte, ts time.Time) ([]domain.DecodedSignal, []domain.MuxSelectorValue) {
	return DecodeBody(def, data, ts, d.cat)
}

func (d *CatalogDecoder) InheritedBytes(def *domain.FrameDef) []int {
	return InheritedBytes(def, d.cat)
}
