package schema

import "strings"

const DefaultTokenDecimals = 18

// Token is a row of the `tokens` table, keyed by chainId + address.
type Token struct {
	ChainID     int               `dynamodbav:"chainId" json:"chainId"`
	Address     string            `dynamodbav:"address" json:"address"` // 小写
	Symbol      string            `dynamodbav:"symbol,omitempty" json:"symbol,omitempty"`
	Decimals    int               `dynamodbav:"decimals,omitempty" json:"decimals,omitempty"`
	ID          string            `dynamodbav:"id,omitempty" json:"id,omitempty"` // coingecko coin id
	Price       map[string]string `dynamodbav:"price" json:"price"`
	LastUpdate  int64             `dynamodbav:"lastUpdate" json:"lastUpdate"`
	NoPriceData bool              `dynamodbav:"noPriceData" json:"noPriceData"`

	// Key correlates a token with its position in an aggregation batch.
	Key int `dynamodbav:"-" json:"-"`
}

// GroupedToken groups an aggregation batch by chain id.
type GroupedToken map[int][]Token

func (t Token) LowerAddress() string {
	return strings.ToLower(t.Address)
}

// UsdPrice returns the usd price string, if any.
func (t Token) UsdPrice() (string, bool) {
	if t.Price == nil {
		return "", false
	}
	price, ok := t.Price["usd"]
	return price, ok && price != ""
}

// GroupTokens assigns each token its index in tokens as Key and groups them by chain.
func GroupTokens(tokens []Token) GroupedToken {
	grouped := make(GroupedToken)
	for i := range tokens {
		tokens[i].Key = i
		grouped[tokens[i].ChainID] = append(grouped[tokens[i].ChainID], tokens[i])
	}
	return grouped
}
