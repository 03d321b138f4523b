package i18n

import (
	"reflect"
	"strconv"
	"sync"
)

// Language type
type Language string

const (
	LangEN Language = "en"
	LangZH Language = "zh"
)

// Messages holds all translatable strings
type Messages struct {
	// System
	Starting           string
	ConfigLoaded       string
	UsingDatabase      string
	ServerListening    string
	ShuttingDown       string
	ConfigLoadFailed   string
	DBInitFailed       string
	DBMigrationsFailed string
	APIServerError     string
	MockFeedStarted    string
	AuditSweepStarted  string
	SnapshotterStarted string
	KafkaSinkEnabled   string

	// Trade results
	OrderBought   string
	OrderSold     string
	InvalidQty    string
	InvalidPlayer string

	UnknownInstrument      string
	PriceUnavailable       string
	InsufficientFunds      string
	InsufficientHoldings   string
	ConcurrentModification string
	IdempotencyKeyConflict string
	MarketClosed           string
	InsufficientLiquidity  string

	// Rate limit
	OrderTooLarge    string
	TradeCooldown    string
	MinuteLimitReach string

	// Custom crypto
	InvalidSymbol string
	SymbolTaken   string
	InvalidPrice  string
	CryptoCreated string
}

var (
	currentLang Language = LangEN
	mu          sync.RWMutex
	messages    *Messages
)

// English messages
var messagesEN = Messages{
	// System
	Starting:           "Starting market core...",
	ConfigLoaded:       "Config loaded (Port: %s)",
	UsingDatabase:      "Using %s ledger",
	ServerListening:    "Server listening on :%s",
	ShuttingDown:       "Shutting down gracefully...",
	ConfigLoadFailed:   "Failed to load config",
	DBInitFailed:       "Failed to init database",
	DBMigrationsFailed: "Failed to apply migrations",
	APIServerError:     "API server error",
	MockFeedStarted:    "Mock price feed started",
	AuditSweepStarted:  "Holdings audit sweep started",
	SnapshotterStarted: "Portfolio snapshotter started",
	KafkaSinkEnabled:   "Kafka fill sink enabled",

	// Trade results
	OrderBought:   "Bought %s %s @ %s (fee %s, total %s)",
	OrderSold:     "Sold %s %s @ %s (fee %s, net %s)",
	InvalidQty:    "Quantity must be greater than zero",
	InvalidPlayer: "Player is required",

	UnknownInstrument:      "Unknown instrument: %s",
	PriceUnavailable:       "Price unavailable for %s",
	InsufficientFunds:      "Insufficient funds: need %s, have %s",
	InsufficientHoldings:   "Insufficient holdings: you have %s %s, tried to sell %s",
	ConcurrentModification: "Your position changed while the order was processing. Please try again.",
	IdempotencyKeyConflict: "This request id was already used for a different order",
	MarketClosed:           "Market is closed. Trading hours are %s-%s",
	InsufficientLiquidity:  "Order of %s %s is too large for available liquidity",

	// Rate limit
	OrderTooLarge:    "Order size exceeds maximum of %s",
	TradeCooldown:    "Please wait %.1f seconds before trading again",
	MinuteLimitReach: "Trade would exceed the per-minute limit of %s (used %s)",

	// Custom crypto
	InvalidSymbol: "Symbol must be 2-12 letters or digits",
	SymbolTaken:   "Symbol %s is already taken",
	InvalidPrice:  "Initial price must be greater than zero",
	CryptoCreated: "Created %s (%s) at %s",
}

// Chinese messages
var messagesZH = Messages{
	// System
	Starting:           "正在启动市场核心...",
	ConfigLoaded:       "配置已加载 (端口: %s)",
	UsingDatabase:      "使用 %s 账本",
	ServerListening:    "服务器监听于 :%s",
	ShuttingDown:       "正在优雅关闭...",
	ConfigLoadFailed:   "加载配置失败",
	DBInitFailed:       "初始化数据库失败",
	DBMigrationsFailed: "执行数据库迁移失败",
	APIServerError:     "API 服务器错误",
	MockFeedStarted:    "模拟行情已启动",
	AuditSweepStarted:  "持仓审计任务已启动",
	SnapshotterStarted: "资产快照任务已启动",
	KafkaSinkEnabled:   "Kafka 成交推送已启用",

	// Trade results
	OrderBought:   "买入 %s %s @ %s (手续费 %s, 总计 %s)",
	OrderSold:     "卖出 %s %s @ %s (手续费 %s, 净得 %s)",
	InvalidQty:    "数量必须大于零",
	InvalidPlayer: "缺少玩家标识",

	UnknownInstrument:      "未知标的: %s",
	PriceUnavailable:       "%s 暂无价格",
	InsufficientFunds:      "余额不足: 需要 %s, 当前 %s",
	InsufficientHoldings:   "持仓不足: 持有 %s %s, 试图卖出 %s",
	ConcurrentModification: "下单过程中持仓已变化，请重试",
	IdempotencyKeyConflict: "该请求编号已用于其他订单",
	MarketClosed:           "市场已休市，交易时间为 %s-%s",
	InsufficientLiquidity:  "%s %s 的订单超出当前市场流动性",

	// Rate limit
	OrderTooLarge:    "订单数量超过上限 %s",
	TradeCooldown:    "请等待 %.1f 秒后再交易",
	MinuteLimitReach: "本次交易将超过每分钟额度 %s (已用 %s)",

	// Custom crypto
	InvalidSymbol: "代码须为 2-12 位字母或数字",
	SymbolTaken:   "代码 %s 已被占用",
	InvalidPrice:  "初始价格必须大于零",
	CryptoCreated: "已创建 %s (%s)，价格 %s",
}

func init() {
	messages = &messagesEN
}

// SetLanguage sets the current language
func SetLanguage(lang Language) {
	mu.Lock()
	defer mu.Unlock()

	currentLang = lang
	switch lang {
	case LangZH:
		messages = &messagesZH
	default:
		messages = &messagesEN
	}
}

// GetLanguage returns the current language
func GetLanguage() Language {
	mu.RLock()
	defer mu.RUnlock()
	return currentLang
}

// M returns the current messages
func M() *Messages {
	mu.RLock()
	defer mu.RUnlock()
	return messages
}

// Get returns specific message by key dynamically using reflection
func Get(key string) string {
	msg := M()
	v := reflect.ValueOf(msg).Elem()
	f := v.FieldByName(key)
	if f.IsValid() && f.Kind() == reflect.String {
		return f.String()
	}
	return key
}

// Num renders a number with the shortest exact representation, for
// quantities and amounts embedded in user-facing messages.
func Num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
