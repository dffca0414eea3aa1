package checksum

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDNI(t *testing.T) {
	tests := []struct {
		name        string
		value       string
		wantValid   bool
		wantChecked bool
	}{
		{"valid", "12345678Z", true, true},
		{"wrong letter", "12345678A", false, true},
		{"separators stripped", "12.345.678-Z", true, true},
		{"lowercase letter", "12345678z", true, true},
		{"too short is neutral", "1234567Z", true, false},
		{"letters in number is neutral", "1234A678Z", true, false},
		{"empty is neutral", "", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DNI(tt.value)
			assert.Equal(t, tt.wantValid, got.Valid, got.Reason)
			assert.Equal(t, tt.wantChecked, got.Checked, got.Reason)
		})
	}
}

func TestNIE(t *testing.T) {
	assert.True(t, NIE("X1234567L").Valid)
	assert.True(t, NIE("Y-1234567-X").Valid)
	got := NIE("X1234567T")
	assert.True(t, got.Checked)
	assert.False(t, got.Valid)
	assert.False(t, NIE("A1234567L").Checked)
}

func TestNIF(t *testing.T) {
	tests := []struct {
		value     string
		wantValid bool
	}{
		{"12345678Z", true},
		{"X1234567L", true},
		{"K1234567L", true},
		{"K1234567A", false},
		{"B12345674", true},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			got := NIF(tt.value)
			assert.True(t, got.Checked)
			assert.Equal(t, tt.wantValid, got.Valid, got.Reason)
		})
	}
}

func TestCIF(t *testing.T) {
	tests := []struct {
		name      string
		value     string
		wantValid bool
	}{
		{"limited company digit control", "B12345674", true},
		{"public limited company", "A28015865", true},
		{"public body letter control", "Q2826000H", true},
		{"public body digit control rejected", "Q28260008", false},
		{"wrong digit", "B12345675", false},
		{"letter control not allowed for B", "B1234567D", false},
		{"dotted form", "B-12.345.674", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CIF(tt.value)
			require.True(t, got.Checked, got.Reason)
			assert.Equal(t, tt.wantValid, got.Valid, got.Reason)
		})
	}
	assert.False(t, CIF("I12345674").Checked, "I is not a legal form")
}

func TestIBAN(t *testing.T) {
	tests := []struct {
		name        string
		value       string
		wantValid   bool
		wantChecked bool
	}{
		{"spanish valid", "ES9121000418450200051332", true, true},
		{"spanish grouped", "ES91 2100 0418 4502 0005 1332", true, true},
		{"spanish zeros", "ES0000000000000000000000", false, true},
		{"german valid", "DE89370400440532013000", true, true},
		{"british valid", "GB82WEST12345698765432", true, true},
		{"wrong length is neutral", "ES91210004184502000513", true, false},
		{"unknown country is neutral", "ZZ9121000418450200051332", true, false},
		{"garbage is neutral", "E", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IBAN(tt.value)
			assert.Equal(t, tt.wantValid, got.Valid, got.Reason)
			assert.Equal(t, tt.wantChecked, got.Checked, got.Reason)
		})
	}
}

func TestNSS(t *testing.T) {
	tests := []struct {
		name        string
		value       string
		wantValid   bool
		wantChecked bool
	}{
		{"valid", "281234567840", true, true},
		{"slashed", "28/12345678/40", true, true},
		{"wrong control", "281234567841", false, true},
		{"province out of range", "991234567840", false, true},
		{"province zero", "001234567840", false, true},
		{"short is neutral", "2812345678", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NSS(tt.value)
			assert.Equal(t, tt.wantValid, got.Valid, got.Reason)
			assert.Equal(t, tt.wantChecked, got.Checked, got.Reason)
		})
	}
}

func TestCreditCard(t *testing.T) {
	assert.True(t, CreditCard("4111 1111 1111 1111").Valid)
	assert.False(t, CreditCard("4111111111111112").Valid)
	assert.False(t, CreditCard("12").Checked)
}

func TestLuhnValid(t *testing.T) {
	tests := []struct {
		number    string
		wantValid bool
	}{
		{"4111111111111111", true},
		{"5500000000000004", true},
		{"4111111111111112", false},
		{"1", false},
	}
	for _, tt := range tests {
		t.Run(tt.number, func(t *testing.T) {
			assert.Equal(t, tt.wantValid, luhnValid(tt.number))
		})
	}
}

func TestLookup(t *testing.T) {
	for _, name := range Names() {
		f, ok := Lookup(name)
		require.True(t, ok, name)
		assert.NotPanics(t, func() { f("\x00\xff garbage ☃") })
	}
	_, ok := Lookup("unknown")
	assert.False(t, ok)
	f, ok := Lookup(" DNI ")
	require.True(t, ok)
	assert.True(t, f("12345678Z").Valid)
}

func TestClean(t *testing.T) {
	assert.Equal(t, "ES9121000418", Clean("es91 2100.0418"))
	assert.Equal(t, "12345678Z", Clean("12-345/678 z"))
}
