package money_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/localmarket/dealflow/money"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    money.Cents
		wantErr bool
	}{
		{in: "85.00", want: 8500},
		{in: "85", want: 8500},
		{in: "9.5", want: 950},
		{in: " 2.50 ", want: 250},
		{in: "0.1", want: 10},
		{in: "1.230", want: 123},
		{in: "1.234", wantErr: true},
		{in: "abc", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := money.Parse(tc.in)
			if tc.wantErr {
				require.ErrorIs(t, err, money.ErrInvalidAmount)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestFloatDriftIsAvoided(t *testing.T) {
	// 0.1 + 0.2 != 0.3 in float64; in cents it is exact.
	assert.Equal(t, money.MustParse("0.30"), money.Sum(money.FromFloat(0.1), money.FromFloat(0.2)))
	assert.Equal(t, money.Cents(8500), money.FromFloat(85.00))
}

func TestString(t *testing.T) {
	assert.Equal(t, "21.00", money.Cents(2100).String())
	assert.Equal(t, "0.05", money.Cents(5).String())
	assert.Equal(t, "-1.50", money.Cents(-150).String())
}

func TestPercent(t *testing.T) {
	assert.Equal(t, money.Cents(8500), money.Percent(10000, 0.85))
	assert.Equal(t, money.Cents(33), money.Percent(333, 0.1))
	assert.Equal(t, money.Cents(35), money.Percent(345, 0.1))
}

func TestJSON(t *testing.T) {
	b, err := json.Marshal(struct {
		Total money.Cents `json:"total"`
	}{Total: 2100})
	require.NoError(t, err)
	assert.JSONEq(t, `{"total": 21.00}`, string(b))

	var out struct {
		Total money.Cents `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"total": 9.99}`), &out))
	assert.Equal(t, money.Cents(999), out.Total)
}

func TestYAML(t *testing.T) {
	var out struct {
		Fee money.Cents `yaml:"fee"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(`fee: "2.50"`), &out))
	assert.Equal(t, money.Cents(250), out.Fee)
}
