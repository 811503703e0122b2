package schema

// Pool is a row of the `pools` table, keyed by id + chainId.
// Every attribute is omitempty so a partially filled Pool only writes what it carries.
type Pool struct {
	ID      string `dynamodbav:"id" json:"id"`
	ChainID int    `dynamodbav:"chainId" json:"chainId"`

	// static
	Address         string   `dynamodbav:"address,omitempty" json:"address,omitempty"`
	Name            string   `dynamodbav:"name,omitempty" json:"name,omitempty"`
	Symbol          string   `dynamodbav:"symbol,omitempty" json:"symbol,omitempty"`
	PoolType        string   `dynamodbav:"poolType,omitempty" json:"poolType,omitempty"`
	PoolTypeVersion int      `dynamodbav:"poolTypeVersion,omitempty" json:"poolTypeVersion,omitempty"`
	Owner           string   `dynamodbav:"owner,omitempty" json:"owner,omitempty"`
	Factory         string   `dynamodbav:"factory,omitempty" json:"factory,omitempty"`
	CreateTime      int64    `dynamodbav:"createTime,omitempty" json:"createTime,omitempty"`
	TokensList      []string `dynamodbav:"tokensList,omitempty" json:"tokensList,omitempty"`

	// dynamic
	Tokens         []PoolToken `dynamodbav:"tokens,omitempty" json:"tokens,omitempty"`
	TotalShares    string      `dynamodbav:"totalShares,omitempty" json:"totalShares,omitempty"`
	SwapFee        string      `dynamodbav:"swapFee,omitempty" json:"swapFee,omitempty"`
	TotalLiquidity string      `dynamodbav:"totalLiquidity,omitempty" json:"totalLiquidity,omitempty"`
	LastUpdate     int64       `dynamodbav:"lastUpdate,omitempty" json:"lastUpdate,omitempty"`
}

type PoolToken struct {
	Address  string `dynamodbav:"address" json:"address"`
	Symbol   string `dynamodbav:"symbol,omitempty" json:"symbol,omitempty"`
	Decimals int    `dynamodbav:"decimals,omitempty" json:"decimals,omitempty"`
	Balance  string `dynamodbav:"balance" json:"balance"`
	Weight   string `dynamodbav:"weight,omitempty" json:"weight,omitempty"`
}

// PoolStaticFields are the attributes that rarely change and are only written
// when a caller asks for static data.
var PoolStaticFields = map[string]struct{}{
	"address":         {},
	"name":            {},
	"symbol":          {},
	"poolType":        {},
	"poolTypeVersion": {},
	"owner":           {},
	"factory":         {},
	"createTime":      {},
	"tokensList":      {},
}
