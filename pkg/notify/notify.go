// Package notify sends operator-facing messages: start/stop, trade
// executions, heartbeats and critical alerts. It is an explicit
// constructor argument everywhere it is used, never a process-wide
// singleton.
package notify

import (
	"fmt"

	"github.com/leekchan/accounting"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/slack-go/slack"

	"github.com/xarbitrage/xarb/pkg/xtypes"
)

// Notifier is the outbound message surface the Supervisor and
// OrderController depend on.
type Notifier interface {
	NotifyStart(symbol string)
	NotifyStop(reason string, runtime float64, totalTrades uint64)
	NotifyTrade(direction xtypes.Direction, makerPrice, takerPrice, size, spread decimal.Decimal, mPos, tPos decimal.Decimal)
	NotifyHeartbeat(diffLong, diffShort, avgLong, avgShort, mPos, tPos decimal.Decimal)
	AlertHedgeFailure(direction xtypes.Direction, err error)
	AlertDivergence(mPos, tPos decimal.Decimal)
	AlertShutdownResidual(mResidual, tResidual decimal.Decimal)
}

// SlackNotifier posts to a single Slack channel via a bot token. It
// degrades to a no-op (still satisfying the interface) when disabled.
type SlackNotifier struct {
	client    *slack.Client
	channelID string
	enabled   bool
	acct      accounting.Accounting
	log       *logrus.Entry
}

func New(botToken, channelID string, log *logrus.Entry) *SlackNotifier {
	n := &SlackNotifier{
		channelID: channelID,
		enabled:   botToken != "" && channelID != "",
		acct:      accounting.Accounting{Symbol: "$", Precision: 2},
		log:       log,
	}
	if n.enabled {
		n.client = slack.New(botToken)
	}
	return n
}

func (n *SlackNotifier) send(text string) {
	if !n.enabled {
		return
	}
	if _, _, err := n.client.PostMessage(n.channelID, slack.MsgOptionText(text, false)); err != nil {
		n.log.WithError(err).Warn("notifier post failed")
	}
}

func (n *SlackNotifier) NotifyStart(symbol string) {
	n.send(fmt.Sprintf(":rocket: arbitrage engine started for %s", symbol))
}

func (n *SlackNotifier) NotifyStop(reason string, runtimeHours float64, totalTrades uint64) {
	n.send(fmt.Sprintf(":octagonal_sign: stopped (%s) after %.2fh, %d trades", reason, runtimeHours, totalTrades))
}

func (n *SlackNotifier) NotifyTrade(direction xtypes.Direction, makerPrice, takerPrice, size, spread decimal.Decimal, mPos, tPos decimal.Decimal) {
	n.send(fmt.Sprintf(":moneybag: %s size=%s maker=%s taker=%s spread=%s  m=%s t=%s",
		direction, size, makerPrice, takerPrice, n.acct.FormatMoney(spread.InexactFloat64()), mPos, tPos))
}

func (n *SlackNotifier) NotifyHeartbeat(diffLong, diffShort, avgLong, avgShort, mPos, tPos decimal.Decimal) {
	n.send(fmt.Sprintf(":heartbeat: diff_long=%s diff_short=%s avg_long=%s avg_short=%s m=%s t=%s",
		diffLong, diffShort, avgLong, avgShort, mPos, tPos))
}

func (n *SlackNotifier) AlertHedgeFailure(direction xtypes.Direction, err error) {
	n.send(fmt.Sprintf(":rotating_light: hedge failed for %s: %v", direction, err))
}

func (n *SlackNotifier) AlertDivergence(mPos, tPos decimal.Decimal) {
	n.send(fmt.Sprintf(":rotating_light: position divergence m=%s t=%s", mPos, tPos))
}

func (n *SlackNotifier) AlertShutdownResidual(mResidual, tResidual decimal.Decimal) {
	n.send(fmt.Sprintf(":rotating_light: shutdown residual m=%s t=%s", mResidual, tResidual))
}

var _ Notifier = (*SlackNotifier)(nil)
