package domain

// Instruments spot pairs listed by the exchange, used when no pair set is configured.
var Instruments = []TradingPair{
	{Base: AAVE, Quote: EUR},
	{Base: ADA, Quote: EUR},
	{Base: BCH, Quote: EUR},
	{Base: BEST, Quote: BTC},
	{Base: BEST, Quote: EUR},
	{Base: BTC, Quote: CHF},
	{Base: BTC, Quote: EUR},
	{Base: BTC, Quote: GBP},
	{Base: CHZ, Quote: EUR},
	{Base: DOGE, Quote: EUR},
	{Base: DOT, Quote: EUR},
	{Base: ETH, Quote: CHF},
	{Base: ETH, Quote: EUR},
	{Base: EOS, Quote: EUR},
	{Base: LINK, Quote: EUR},
	{Base: LTC, Quote: EUR},
	{Base: MIOTA, Quote: EUR},
	{Base: PAN, Quote: EUR},
	{Base: USDT, Quote: EUR},
	{Base: TRX, Quote: EUR},
	{Base: UNI, Quote: EUR},
	{Base: XLM, Quote: EUR},
	{Base: XRP, Quote: CHF},
	{Base: XRP, Quote: EUR},
}
