package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	aggregatorV3ABIJSON = `[
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}
]`
)

var (
	aggregatorV3ABI abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorV3ABIJSON))
	if err != nil {
		panic("failed to parse AggregatorV3 ABI: " + err.Error())
	}
	aggregatorV3ABI = parsed
}

// Chainlink derives a cross rate from two Chainlink price feeds.
// With only a base feed configured the feed answer is the rate itself.
type Chainlink struct {
	named
	rpcURL    string
	baseFeed  string
	quoteFeed string
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewChainlink builds an on-chain source.
func NewChainlink(spec Spec, logger zerolog.Logger) (Source, error) {
	return &Chainlink{
		named:     named{name: spec.Name, timeout: spec.timeout()},
		rpcURL:    spec.RPCURL,
		baseFeed:  spec.BaseFeed,
		quoteFeed: spec.QuoteFeed,
		logger:    logger.With().Str("component", "source").Str("source", spec.Name).Logger(),
	}, nil
}

// Fetch returns base/USD divided by quote/USD.
func (c *Chainlink) Fetch(ctx context.Context) (decimal.Decimal, error) {
	if c.rpcURL == "" {
		return decimal.Decimal{}, errors.New("ethereum rpc url not configured")
	}
	if c.baseFeed == "" {
		return decimal.Decimal{}, errors.New("chainlink base feed address not configured")
	}

	client, err := c.getClient(ctx)
	if err != nil {
		return decimal.Decimal{}, err
	}

	baseAnswer, err := c.readFeed(ctx, client, c.baseFeed)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("base feed: %w", err)
	}
	if c.quoteFeed == "" {
		return baseAnswer, nil
	}

	quoteAnswer, err := c.readFeed(ctx, client, c.quoteFeed)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("quote feed: %w", err)
	}
	return baseAnswer.DivRound(quoteAnswer, 8), nil
}

func (c *Chainlink) readFeed(ctx context.Context, client *ethclient.Client, feed string) (decimal.Decimal, error) {
	addr := common.HexToAddress(feed)

	decOut, err := c.call(ctx, client, addr, "decimals")
	if err != nil {
		return decimal.Decimal{}, err
	}
	if len(decOut) != 1 {
		return decimal.Decimal{}, errors.New("unexpected decimals response")
	}
	decimals, ok := decOut[0].(uint8)
	if !ok {
		return decimal.Decimal{}, errors.New("failed to decode decimals output")
	}

	roundOut, err := c.call(ctx, client, addr, "latestRoundData")
	if err != nil {
		return decimal.Decimal{}, err
	}
	if len(roundOut) != 5 {
		return decimal.Decimal{}, errors.New("unexpected latestRoundData response")
	}
	answer, ok := roundOut[1].(*big.Int)
	if !ok {
		return decimal.Decimal{}, errors.New("failed to decode latestRoundData answer")
	}

	value := decimal.NewFromBigInt(answer, -int32(decimals))
	if !value.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%w: non-positive feed answer %s", ErrNoValue, value)
	}
	return value, nil
}

func (c *Chainlink) call(ctx context.Context, client *ethclient.Client, addr common.Address, method string) ([]any, error) {
	payload, err := aggregatorV3ABI.Pack(method)
	if err != nil {
		return nil, err
	}
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return nil, err
	}
	return aggregatorV3ABI.Unpack(method, res)
}

func (c *Chainlink) getClient(ctx context.Context) (*ethclient.Client, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	client, err := ethclient.DialContext(ctx, c.rpcURL)
	if err != nil {
		return nil, err
	}
	c.client = client
	return client, nil
}
