// Package pii holds the shared vocabulary of the anonymization core: the
// category enumeration with its per-category metadata, text spans, and the
// Detection record every source produces.
package pii

import (
	"sort"
	"strings"
)

// Category is one tag of the fixed, versioned PII vocabulary.
type Category string

// VocabularyVersion changes whenever a category is added or its metadata
// changes in a way that affects stored glossaries.
const VocabularyVersion = 3

const (
	Person         Category = "PERSON"
	Organization   Category = "ORGANIZATION"
	Location       Category = "LOCATION"
	Address        Category = "ADDRESS"
	PostalCode     Category = "POSTAL_CODE"
	DNI            Category = "DNI"
	NIE            Category = "NIE"
	NIF            Category = "NIF"
	CIF            Category = "CIF"
	Passport       Category = "PASSPORT"
	Phone          Category = "PHONE"
	Email          Category = "EMAIL"
	IBAN           Category = "IBAN"
	NSS            Category = "NSS"
	Date           Category = "DATE"
	CaseNumber     Category = "CASE_NUMBER"
	LicensePlate   Category = "LICENSE_PLATE"
	CadastralRef   Category = "CADASTRAL_REF"
	ProfessionalID Category = "PROFESSIONAL_ID"
	ECLI           Category = "ECLI"
	IPAddress      Category = "IP_ADDRESS"
	CreditCard     Category = "CREDIT_CARD"

	// NotEntity is the reference category used by the entity type validator
	// to reject spans that are not PII at all. It never appears in output.
	NotEntity Category = "NOT_ENTITY"
)

// Info is the per-category metadata row. Adding a category to the
// vocabulary means adding a row here (plus, where relevant, a checksum
// validator and a reference vector); no code path changes.
type Info struct {
	// AliasPrefix is the stem of minted aliases, e.g. "PERSONA" -> PERSONA_1.
	AliasPrefix string
	// MinLength is the minimum rune length of a value worth aliasing.
	MinLength int
	// HighRisk categories block export while a detection is unreviewed.
	HighRisk bool
	// Validator names a checksum function in internal/checksum, if any.
	Validator string
	// Semantic categories are checked against the similarity oracle.
	Semantic bool
}

var registry = map[Category]Info{
	Person:         {AliasPrefix: "PERSONA", MinLength: 2, HighRisk: true, Semantic: true},
	Organization:   {AliasPrefix: "ORGANIZACION", MinLength: 2, Semantic: true},
	Location:       {AliasPrefix: "LUGAR", MinLength: 2, Semantic: true},
	Address:        {AliasPrefix: "DIRECCION", MinLength: 5, HighRisk: true, Semantic: true},
	PostalCode:     {AliasPrefix: "CP", MinLength: 5},
	DNI:            {AliasPrefix: "DNI", MinLength: 9, HighRisk: true, Validator: "dni"},
	NIE:            {AliasPrefix: "NIE", MinLength: 9, HighRisk: true, Validator: "nie"},
	NIF:            {AliasPrefix: "NIF", MinLength: 9, HighRisk: true, Validator: "nif"},
	CIF:            {AliasPrefix: "CIF", MinLength: 9, Validator: "cif"},
	Passport:       {AliasPrefix: "PASAPORTE", MinLength: 8, HighRisk: true},
	Phone:          {AliasPrefix: "TELEFONO", MinLength: 9, HighRisk: true},
	Email:          {AliasPrefix: "EMAIL", MinLength: 6, HighRisk: true},
	IBAN:           {AliasPrefix: "IBAN", MinLength: 15, HighRisk: true, Validator: "iban"},
	NSS:            {AliasPrefix: "NSS", MinLength: 12, HighRisk: true, Validator: "nss"},
	Date:           {AliasPrefix: "FECHA", MinLength: 6, Semantic: true},
	CaseNumber:     {AliasPrefix: "EXPEDIENTE", MinLength: 6},
	LicensePlate:   {AliasPrefix: "MATRICULA", MinLength: 7, HighRisk: true},
	CadastralRef:   {AliasPrefix: "REF_CATASTRAL", MinLength: 20, HighRisk: true},
	ProfessionalID: {AliasPrefix: "COLEGIADO", MinLength: 3},
	ECLI:           {AliasPrefix: "ECLI", MinLength: 10},
	IPAddress:      {AliasPrefix: "IP", MinLength: 7},
	CreditCard:     {AliasPrefix: "TARJETA", MinLength: 13, HighRisk: true, Validator: "luhn"},
}

// Lookup returns the metadata for c.
func Lookup(c Category) (Info, bool) {
	info, ok := registry[c]
	return info, ok
}

// Known reports whether c is part of the vocabulary.
func (c Category) Known() bool {
	_, ok := registry[c]
	return ok
}

// AliasPrefix returns the alias stem for c, falling back to the category
// name itself for categories outside the vocabulary.
func (c Category) AliasPrefix() string {
	if info, ok := registry[c]; ok && info.AliasPrefix != "" {
		return info.AliasPrefix
	}
	return string(c)
}

// HighRisk reports whether unreviewed detections of c block export.
func (c Category) HighRisk() bool {
	return registry[c].HighRisk
}

// Semantic reports whether c is ambiguous enough to need the similarity check.
func (c Category) Semantic() bool {
	return registry[c].Semantic
}

// Categories returns the vocabulary sorted by name.
func Categories() []Category {
	out := make([]Category, 0, len(registry))
	for c := range registry {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// entityAliases maps Presidio-style and lower_snake names found in recognizer
// files and external detector payloads to the vocabulary.
var entityAliases = map[string]Category{
	"PER":           Person,
	"PERSONA":       Person,
	"ORG":           Organization,
	"LOC":           Location,
	"GPE":           Location,
	"EMAIL_ADDRESS": Email,
	"PHONE_NUMBER":  Phone,
	"IBAN_CODE":     IBAN,
	"ES_NIF":        NIF,
	"ES_NIE":        NIE,
	"ES_DNI":        DNI,
	"ES_CIF":        CIF,
	"ES_NSS":        NSS,
	"DATE_TIME":     Date,
	"FECHA":         Date,
}

// ParseCategory maps an entity name in any of the accepted spellings
// (PERSON, person, PER, EMAIL_ADDRESS...) to a Category. Unknown names are
// upper-cased and returned with ok=false.
func ParseCategory(name string) (Category, bool) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	upper = strings.ReplaceAll(upper, " ", "_")
	if c, ok := entityAliases[upper]; ok {
		return c, true
	}
	c := Category(upper)
	if c == NotEntity {
		return c, true
	}
	return c, c.Known()
}
