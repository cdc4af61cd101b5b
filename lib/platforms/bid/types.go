package bid

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Code is an identifier field that the BID serves sometimes as a
// JSON string and sometimes as a bare number, depending on the
// endpoint.
type Code string

func (c *Code) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*c = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*c = Code(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*c = Code(n.String())
	return nil
}

func (c Code) String() string { return string(c) }

// Contract is one row of the daily bulletin: a registration,
// transfer, loan or rescission event for a single athlete.
type Contract struct {
	ContractId     Code   `json:"id_contrato"`
	ContractNumber Code   `json:"numero_contrato"`
	AthleteCode    Code   `json:"codigo_atleta"`
	ClubCode       Code   `json:"codigo_clube"`
	Name           string `json:"nome"`
	Nickname       string `json:"apelido"`
	Club           string `json:"clube"`
	ContractType   string `json:"tipocontrato"`
	BirthDate      string `json:"data_nascimento"`
	State          string `json:"uf"`
	// season -> past participation entries, filled in by enrichment
	History json.RawMessage `json:"historico,omitempty"`

	// the upstream document as received, so fields this struct
	// doesn't model survive a round trip through the store
	Raw json.RawMessage `json:"-"`
}

func (c *Contract) UnmarshalJSON(b []byte) error {
	type alias Contract
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*c = Contract(a)
	c.Raw = append(json.RawMessage(nil), b...)
	return nil
}

// Key resolves the natural key used to deduplicate contracts in the
// store. Preference order: contract number, contract id, then an
// athlete+club composite. The composite is a best-effort fallback
// with no declared uniqueness guarantee upstream.
func (c Contract) Key() (string, bool) {
	if c.ContractNumber != "" {
		return c.ContractNumber.String(), true
	}
	if c.ContractId != "" {
		return c.ContractId.String(), true
	}
	if c.AthleteCode != "" && c.ClubCode != "" {
		return fmt.Sprintf("%s/%s", c.AthleteCode, c.ClubCode), true
	}
	return "", false
}

func (c Contract) DisplayName() string {
	if c.Nickname != "" {
		return fmt.Sprintf("%s (%s)", c.Name, c.Nickname)
	}
	if c.Name != "" {
		return c.Name
	}
	return "unknown athlete"
}

// HasHistory reports whether the history payload is present and
// non-empty, which is the signal that enrichment already ran.
func HasHistory(history json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(history))
	switch trimmed {
	case "", "null", "{}", "[]":
		return false
	}
	return true
}
