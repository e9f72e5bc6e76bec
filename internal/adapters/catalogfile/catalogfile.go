// Package catalogfile loads frame catalogs from their JSON form on disk.
// The file structures mirror the domain catalog but accept the friendlier
// author-side spellings: identifiers and masks as "0x" strings, enum keys
// in any integer base strconv understands.
package catalogfile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/Wired-Square/WireTAP-sub002/internal/domain"
)

// flexID is an identifier or mask that may be written as a JSON number or
// as a prefixed string ("0x18EF0000", "0b1010", plain decimal).
type flexID uint64

func (v *flexID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		u, err := strconv.ParseUint(strings.TrimSpace(s), 0, 64)
		if err != nil {
			return errors.Wrapf(err, "identifier %q", s)
		}
		*v = flexID(u)
		return nil
	}
	var u uint64
	if err := json.Unmarshal(b, &u); err != nil {
		return err
	}
	*v = flexID(u)
	return nil
}

type fileCatalog struct {
	Name             string            `json:"name"`
	Protocol         string            `json:"protocol,omitempty"`
	DefaultByteOrder string            `json:"defaultByteOrder,omitempty"`
	IDMask           flexID            `json:"idMask,omitempty"`
	HeaderFields     []fileHeaderField `json:"headerFields,omitempty"`
	Frames           []fileFrame       `json:"frames"`
}

type fileFrame struct {
	ID         flexID       `json:"id"`
	Name       string       `json:"name"`
	IntervalMs int          `json:"intervalMs,omitempty"`
	MirrorOf   *flexID      `json:"mirrorOf,omitempty"`
	Signals    []fileSignal `json:"signals,omitempty"`
	Mux        *fileMux     `json:"mux,omitempty"`
}

type fileSignal struct {
	Name      string            `json:"name"`
	StartBit  int               `json:"startBit"`
	BitLength int               `json:"bitLength"`
	ByteOrder string            `json:"byteOrder,omitempty"`
	Signed    bool              `json:"signed,omitempty"`
	Factor    float64           `json:"factor,omitempty"`
	Offset    float64           `json:"offset,omitempty"`
	Unit      string            `json:"unit,omitempty"`
	Format    string            `json:"format,omitempty"`
	Enum      map[string]string `json:"enum,omitempty"`
	Inherited bool              `json:"inherited,omitempty"`
}

type fileMux struct {
	Name      string        `json:"name,omitempty"`
	StartBit  int           `json:"startBit"`
	BitLength int           `json:"bitLength"`
	ByteOrder string        `json:"byteOrder,omitempty"`
	Cases     []fileMuxCase `json:"cases"`
}

type fileMuxCase struct {
	Key     string       `json:"key"`
	Signals []fileSignal `json:"signals,omitempty"`
	Mux     *fileMux     `json:"mux,omitempty"`
}

type fileHeaderField struct {
	Name       string `json:"name"`
	Format     string `json:"format,omitempty"`
	Mask       flexID `json:"mask,omitempty"`
	Shift      *uint  `json:"shift,omitempty"`
	ByteOffset int    `json:"byteOffset,omitempty"`
	ByteLength int    `json:"byteLength,omitempty"`
	ByteOrder  string `json:"byteOrder,omitempty"`
}

// Load reads and validates one catalog file.
func Load(path string) (*domain.Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read catalog")
	}
	cat, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "catalog %s", filepath.Base(path))
	}
	return cat, nil
}

// Parse validates a catalog document and normalizes it for the decoder:
// frame ids and mirror references are stored post-mask, byte orders and
// enum keys are resolved to their domain forms.
func Parse(data []byte) (*domain.Catalog, error) {
	var f fileCatalog
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "parse catalog json")
	}
	return f.build()
}

func (f *fileCatalog) build() (*domain.Catalog, error) {
	if f.Name == "" {
		return nil, errors.New("catalog name is required")
	}

	var protocol domain.Protocol
	switch strings.ToLower(f.Protocol) {
	case "", string(domain.ProtocolCAN):
		protocol = domain.ProtocolCAN
	case string(domain.ProtocolSerial):
		protocol = domain.ProtocolSerial
	default:
		return nil, errors.Errorf("unknown protocol %q", f.Protocol)
	}

	order, err := parseOrder(f.DefaultByteOrder)
	if err != nil {
		return nil, errors.Wrap(err, "defaultByteOrder")
	}
	if f.IDMask > flexID(^uint32(0)) {
		return nil, errors.Errorf("idMask 0x%X exceeds 32 bits", uint64(f.IDMask))
	}

	cat := &domain.Catalog{
		Name:             f.Name,
		Protocol:         protocol,
		DefaultByteOrder: order,
		IDMask:           uint32(f.IDMask),
	}

	for i, hf := range f.HeaderFields {
		built, err := buildHeaderField(hf, protocol)
		if err != nil {
			return nil, errors.Wrapf(err, "headerFields[%d]", i)
		}
		cat.HeaderFields = append(cat.HeaderFields, built)
	}

	if len(f.Frames) == 0 {
		return nil, errors.New("catalog has no frames")
	}
	ids := make(map[uint32]struct{}, len(f.Frames))
	for i, ff := range f.Frames {
		def, err := buildFrame(ff, cat)
		if err != nil {
			return nil, errors.Wrapf(err, "frames[%d] (%s)", i, ff.Name)
		}
		ids[def.ID] = struct{}{}
		cat.Frames = append(cat.Frames, def)
	}

	// Mirror references must land on a known frame once both sides have
	// been masked, or the validator could never pair them.
	for _, def := range cat.Frames {
		if def.MirrorOf == nil {
			continue
		}
		if *def.MirrorOf == def.ID {
			return nil, errors.Errorf("frame %q mirrors itself", def.Name)
		}
		if _, ok := ids[*def.MirrorOf]; !ok {
			return nil, errors.Errorf("frame %q mirrors unknown id 0x%X", def.Name, *def.MirrorOf)
		}
	}
	return cat, nil
}

func buildFrame(ff fileFrame, cat *domain.Catalog) (*domain.FrameDef, error) {
	if ff.Name == "" {
		return nil, errors.New("frame name is required")
	}
	if ff.ID > flexID(^uint32(0)) {
		return nil, errors.Errorf("id 0x%X exceeds 32 bits", uint64(ff.ID))
	}
	if ff.IntervalMs < 0 {
		return nil, errors.Errorf("intervalMs %d is negative", ff.IntervalMs)
	}

	def := &domain.FrameDef{
		ID:         cat.MaskID(uint32(ff.ID)),
		Name:       ff.Name,
		IntervalMs: ff.IntervalMs,
	}
	if ff.MirrorOf != nil {
		if *ff.MirrorOf > flexID(^uint32(0)) {
			return nil, errors.Errorf("mirrorOf 0x%X exceeds 32 bits", uint64(*ff.MirrorOf))
		}
		target := cat.MaskID(uint32(*ff.MirrorOf))
		def.MirrorOf = &target
	}

	hasInherited := false
	for i, fs := range ff.Signals {
		sig, err := buildSignal(fs)
		if err != nil {
			return nil, errors.Wrapf(err, "signals[%d] (%s)", i, fs.Name)
		}
		if sig.Inherited {
			hasInherited = true
		}
		def.Signals = append(def.Signals, sig)
	}
	if ff.Mux != nil {
		mux, inherited, err := buildMux(*ff.Mux)
		if err != nil {
			return nil, errors.Wrap(err, "mux")
		}
		hasInherited = hasInherited || inherited
		def.Mux = mux
	}
	if hasInherited && def.MirrorOf == nil {
		return nil, errors.New("inherited signals require mirrorOf")
	}
	return def, nil
}

func buildSignal(fs fileSignal) (domain.SignalDef, error) {
	if fs.Name == "" {
		return domain.SignalDef{}, errors.New("signal name is required")
	}
	if fs.StartBit < 0 {
		return domain.SignalDef{}, errors.Errorf("startBit %d is negative", fs.StartBit)
	}
	if fs.BitLength < 1 || fs.BitLength > 64 {
		return domain.SignalDef{}, errors.Errorf("bitLength %d out of range 1..64", fs.BitLength)
	}
	order, err := parseOrder(fs.ByteOrder)
	if err != nil {
		return domain.SignalDef{}, err
	}
	switch fs.Format {
	case "", "hex", "binary":
	default:
		return domain.SignalDef{}, errors.Errorf("unknown format %q", fs.Format)
	}

	sig := domain.SignalDef{
		Name:      fs.Name,
		StartBit:  fs.StartBit,
		BitLength: fs.BitLength,
		ByteOrder: order,
		Signed:    fs.Signed,
		Factor:    fs.Factor,
		Offset:    fs.Offset,
		Unit:      fs.Unit,
		Format:    fs.Format,
		Inherited: fs.Inherited,
	}
	if len(fs.Enum) > 0 {
		sig.Enum = make(map[uint64]string, len(fs.Enum))
		for k, label := range fs.Enum {
			v, err := strconv.ParseUint(strings.TrimSpace(k), 0, 64)
			if err != nil {
				return domain.SignalDef{}, errors.Wrapf(err, "enum key %q", k)
			}
			sig.Enum[v] = label
		}
	}
	return sig, nil
}

func buildMux(fm fileMux) (*domain.MuxDef, bool, error) {
	if fm.StartBit < 0 {
		return nil, false, errors.Errorf("selector startBit %d is negative", fm.StartBit)
	}
	if fm.BitLength < 1 || fm.BitLength > 64 {
		return nil, false, errors.Errorf("selector bitLength %d out of range 1..64", fm.BitLength)
	}
	order, err := parseOrder(fm.ByteOrder)
	if err != nil {
		return nil, false, err
	}
	if len(fm.Cases) == 0 {
		return nil, false, errors.New("mux has no cases")
	}

	mux := &domain.MuxDef{
		Name:      fm.Name,
		StartBit:  fm.StartBit,
		BitLength: fm.BitLength,
		ByteOrder: order,
	}
	inherited := false
	for i, fc := range fm.Cases {
		if err := checkCaseKey(fc.Key); err != nil {
			return nil, false, errors.Wrapf(err, "cases[%d]", i)
		}
		mc := domain.MuxCase{Key: fc.Key}
		for j, fs := range fc.Signals {
			sig, err := buildSignal(fs)
			if err != nil {
				return nil, false, errors.Wrapf(err, "cases[%d].signals[%d] (%s)", i, j, fs.Name)
			}
			if sig.Inherited {
				inherited = true
			}
			mc.Signals = append(mc.Signals, sig)
		}
		if fc.Mux != nil {
			nested, nestedInherited, err := buildMux(*fc.Mux)
			if err != nil {
				return nil, false, errors.Wrapf(err, "cases[%d].mux", i)
			}
			inherited = inherited || nestedInherited
			mc.Mux = nested
		}
		mux.Cases = append(mux.Cases, mc)
	}
	return mux, inherited, nil
}

// checkCaseKey verifies the author-side key grammar: a comma list of
// values and inclusive lo-hi ranges, each in any integer base. Matching at
// decode time uses the same grammar.
func checkCaseKey(key string) error {
	any := false
	for _, part := range strings.Split(key, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		any = true
		if i := strings.Index(part, "-"); i > 0 && i < len(part)-1 {
			lo, errLo := strconv.ParseUint(strings.TrimSpace(part[:i]), 0, 64)
			hi, errHi := strconv.ParseUint(strings.TrimSpace(part[i+1:]), 0, 64)
			if errLo == nil && errHi == nil {
				if lo > hi {
					return errors.Errorf("key range %q is inverted", part)
				}
				continue
			}
		}
		if _, err := strconv.ParseUint(part, 0, 64); err != nil {
			return errors.Errorf("key %q is not a value or range", part)
		}
	}
	if !any {
		return errors.Errorf("empty case key %q", key)
	}
	return nil
}

func buildHeaderField(hf fileHeaderField, protocol domain.Protocol) (domain.HeaderFieldDef, error) {
	if hf.Name == "" {
		return domain.HeaderFieldDef{}, errors.New("header field name is required")
	}
	order, err := parseOrder(hf.ByteOrder)
	if err != nil {
		return domain.HeaderFieldDef{}, err
	}
	switch protocol {
	case domain.ProtocolCAN:
		if hf.Mask == 0 {
			return domain.HeaderFieldDef{}, errors.Errorf("field %q needs a mask on can catalogs", hf.Name)
		}
	case domain.ProtocolSerial:
		if hf.ByteLength < 1 {
			return domain.HeaderFieldDef{}, errors.Errorf("field %q needs a byteLength on serial catalogs", hf.Name)
		}
		if hf.ByteOffset < 0 {
			return domain.HeaderFieldDef{}, errors.Errorf("field %q byteOffset %d is negative", hf.Name, hf.ByteOffset)
		}
	}
	return domain.HeaderFieldDef{
		Name:       hf.Name,
		Format:     hf.Format,
		Mask:       uint64(hf.Mask),
		Shift:      hf.Shift,
		ByteOffset: hf.ByteOffset,
		ByteLength: hf.ByteLength,
		ByteOrder:  order,
	}, nil
}

func parseOrder(s string) (domain.ByteOrder, error) {
	switch strings.ToLower(s) {
	case "":
		return "", nil
	case string(domain.ByteOrderLittle):
		return domain.ByteOrderLittle, nil
	case string(domain.ByteOrderBig):
		return domain.ByteOrderBig, nil
	}
	return "", errors.Errorf("unknown byte order %q", s)
}
