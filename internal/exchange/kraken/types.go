package kraken

import (
	"github.com/goccy/go-json"
)

type envelope struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

type addOrderResult struct {
	Descr struct {
		Order string `json:"order"`
	} `json:"descr"`
	TxID []string `json:"txid"`
}

type cancelOrderResult struct {
	Count   int  `json:"count"`
	Pending bool `json:"pending"`
}

type orderDescr struct {
	Pair      string `json:"pair"`
	Type      string `json:"type"`
	OrderType string `json:"ordertype"`
	Price     string `json:"price"`
}

// orderInfo is shared by QueryOrders, OpenOrders and openOrders stream
// messages. Stream status updates carry only a subset of the fields.
type orderInfo struct {
	Status   string      `json:"status"`
	Userref  json.Number `json:"userref"`
	Vol      string      `json:"vol"`
	VolExec  string      `json:"vol_exec"`
	Price    string      `json:"price"`
	Fee      string      `json:"fee"`
	Reason   string      `json:"reason"`
	Error    string      `json:"error"`
	OpenTime float64     `json:"opentm"`
	Descr    *orderDescr `json:"descr"`
	Trades   []string    `json:"trades"`
}

type openOrdersResult struct {
	Open map[string]orderInfo `json:"open"`
}

type closedOrdersResult struct {
	Closed map[string]orderInfo `json:"closed"`
	Count  int                  `json:"count"`
}

type tradeInfo struct {
	OrderTxID string  `json:"ordertxid"`
	Pair      string  `json:"pair"`
	Time      float64 `json:"time"`
	Type      string  `json:"type"`
	OrderType string  `json:"ordertype"`
	Price     string  `json:"price"`
	Vol       string  `json:"vol"`
	Fee       string  `json:"fee"`
}

type serverTimeResult struct {
	UnixTime int64  `json:"unixtime"`
	RFC1123  string `json:"rfc1123"`
}

type wsTokenResult struct {
	Token   string `json:"token"`
	Expires int64  `json:"expires"`
}

type assetPairInfo struct {
	Altname      string `json:"altname"`
	WSName       string `json:"wsname"`
	Base         string `json:"base"`
	Quote        string `json:"quote"`
	PairDecimals int    `json:"pair_decimals"`
	LotDecimals  int    `json:"lot_decimals"`
	OrderMin     string `json:"ordermin"`
	CostMin      string `json:"costmin"`
	TickSize     string `json:"tick_size"`
	Status       string `json:"status"`
}
