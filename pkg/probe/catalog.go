package probe

import (
	_ "embed"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

//go:embed devices.sexp
var builtinCatalog string

// catalogLexer tokenizes the s-expression device catalog format.
var catalogLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Comment", Pattern: `;[^\n]*`},
	{Name: "Whitespace", Pattern: `\s+`},
	{Name: "String", Pattern: `"(?:[^"\\]|\\.)*"`},
	{Name: "Number", Pattern: `0[xX][0-9a-fA-F]+|[0-9]+`},
	{Name: "Ident", Pattern: `[a-zA-Z][a-zA-Z0-9_+-]*`},
	{Name: "Punct", Pattern: `[()]`},
})

type catalogFile struct {
	Devices []*catalogDevice `@@*`
}

// catalogDevice is one (device "NAME" (key value)...) form.
type catalogDevice struct {
	Pos   lexer.Position
	Name  string         `"(" "device" @String`
	Attrs []*catalogAttr `@@* ")"`
}

type catalogAttr struct {
	Pos   lexer.Position
	Key   string `"(" @Ident`
	Value string `@( String | Number ) ")"`
}

var catalogParser = participle.MustBuild[catalogFile](
	participle.Lexer(catalogLexer),
	participle.Elide("Comment", "Whitespace"),
	participle.Unquote("String"),
)

// Catalog is an ordered list of supported devices with case-insensitive
// lookup by name.
type Catalog struct {
	devices []DeviceInfo
	byName  map[string]int
}

// NewCatalog builds a catalog from the given devices. Later duplicates
// replace earlier ones.
func NewCatalog(devices []DeviceInfo) *Catalog {
	c := &Catalog{byName: make(map[string]int, len(devices))}
	for _, d := range devices {
		key := strings.ToUpper(d.Name)
		if i, ok := c.byName[key]; ok {
			c.devices[i] = d
			continue
		}
		c.byName[key] = len(c.devices)
		c.devices = append(c.devices, d)
	}
	return c
}

// DefaultCatalog returns the catalog compiled into the binary.
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(strings.NewReader(builtinCatalog))
	if err != nil {
		panic(fmt.Sprintf("probe: built-in catalog: %v", err))
	}
	return c
}

// ParseCatalog reads an s-expression catalog.
func ParseCatalog(r io.Reader) (*Catalog, error) {
	file, err := catalogParser.Parse("", r)
	if err != nil {
		return nil, fmt.Errorf("catalog parse error: %w", err)
	}

	devices := make([]DeviceInfo, 0, len(file.Devices))
	for _, d := range file.Devices {
		info, err := d.toDeviceInfo()
		if err != nil {
			return nil, err
		}
		devices = append(devices, info)
	}
	return NewCatalog(devices), nil
}

// LoadCatalogFile parses a catalog from disk.
func LoadCatalogFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	defer f.Close()

	return ParseCatalog(f)
}

func (d *catalogDevice) toDeviceInfo() (DeviceInfo, error) {
	if d.Name == "" {
		return DeviceInfo{}, fmt.Errorf("%s: device without a name", d.Pos)
	}
	info := DeviceInfo{Name: d.Name}
	for _, a := range d.Attrs {
		switch a.Key {
		case "manufacturer":
			info.Manufacturer = a.Value
		case "core":
			info.Core = a.Value
		case "flash", "ram", "ram-base":
			v, err := strconv.ParseUint(a.Value, 0, 32)
			if err != nil {
				return DeviceInfo{}, fmt.Errorf("%s: %s: invalid number %q", a.Pos, a.Key, a.Value)
			}
			switch a.Key {
			case "flash":
				info.FlashSize = uint32(v)
			case "ram":
				info.RAMSize = uint32(v)
			default:
				info.RAMBase = uint32(v)
			}
		default:
			return DeviceInfo{}, fmt.Errorf("%s: unknown attribute %q", a.Pos, a.Key)
		}
	}
	return info, nil
}

// NumSupportedDevices returns the number of catalog entries.
func (c *Catalog) NumSupportedDevices() int {
	return len(c.devices)
}

// SupportedDevice returns the entry at index.
func (c *Catalog) SupportedDevice(index int) (DeviceInfo, error) {
	if index < 0 || index >= len(c.devices) {
		return DeviceInfo{}, fmt.Errorf("probe: device index %d out of range [0, %d)", index, len(c.devices))
	}
	return c.devices[index], nil
}

// Lookup finds a device by name, ignoring case.
func (c *Catalog) Lookup(name string) (DeviceInfo, bool) {
	i, ok := c.byName[strings.ToUpper(name)]
	if !ok {
		return DeviceInfo{}, false
	}
	return c.devices[i], true
}
