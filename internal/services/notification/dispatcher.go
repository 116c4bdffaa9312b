// Package notification tells customers about completed mobile money
// payments by SMS and email, at most once per transaction.
package notification

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"ogsolar-core/config"
	"ogsolar-core/internal/database/models"
	"ogsolar-core/internal/metrics"
	"ogsolar-core/internal/money"
	"ogsolar-core/internal/runlock"
	"ogsolar-core/internal/services/receipt"
)

const (
	DefaultWindow = 24 * time.Hour

	lockTTL   = 10 * time.Minute
	batchSize = 200
)

// Receipts renders the artifact attached to payment emails.
type Receipts interface {
	ForOrder(ctx context.Context, orderNumber string) (*receipt.Artifact, error)
	ForSale(ctx context.Context, saleNumber string) (*receipt.Artifact, error)
}

type Dispatcher struct {
	db       *gorm.DB
	sms      SMSSender
	email    EmailSender
	receipts Receipts
	locks    *runlock.Locker
	company  config.CompanySettings
	window   time.Duration
	log      logrus.FieldLogger
	now      func() time.Time
}

// NewDispatcher wires the senders. A nil sender turns its channel off.
func NewDispatcher(db *gorm.DB, sms SMSSender, email EmailSender, receipts Receipts, locks *runlock.Locker, company config.CompanySettings, window time.Duration, log logrus.FieldLogger, now func() time.Time) *Dispatcher {
	if window <= 0 {
		window = DefaultWindow
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Dispatcher{
		db:       db,
		sms:      sms,
		email:    email,
		receipts: receipts,
		locks:    locks,
		company:  company,
		window:   window,
		log:      log.WithField("module", "notification"),
		now:      now,
	}
}

type Report struct {
	Scanned   int
	Notified  int
	SMSSent   int
	EmailSent int
	Failed    int
}

// contact is who hears about a payment and what it paid for.
type contact struct {
	name      string
	phone     string
	email     string
	reference string
	isOrder   bool
}

// Sync notifies every completed, not yet notified transaction settled within
// window. A zero window uses the configured one.
func (d *Dispatcher) Sync(ctx context.Context, window time.Duration) (*Report, error) {
	if window <= 0 {
		window = d.window
	}
	report := &Report{}

	err := d.locks.Run(ctx, "notifier:sync", lockTTL, func(ctx context.Context) error {
		var txns []models.MobileMoneyTransaction
		err := d.db.WithContext(ctx).
			Preload("Order.Customer").
			Preload("Sale.Customer").
			Where("status = ? AND notification_sent = ? AND settled_at >= ?", models.TxnCompleted, false, d.now().Add(-window)).
			Order("settled_at ASC, id ASC").
			Limit(batchSize).
			Find(&txns).Error
		if err != nil {
			return err
		}
		for i := range txns {
			report.Scanned++
			d.notify(ctx, &txns[i], report)
		}
		return nil
	})
	if err != nil {
		return report, err
	}

	d.log.WithFields(logrus.Fields{
		"scanned":    report.Scanned,
		"notified":   report.Notified,
		"sms_sent":   report.SMSSent,
		"email_sent": report.EmailSent,
		"failed":     report.Failed,
	}).Info("notification sync finished")
	return report, nil
}

func resolveContact(txn *models.MobileMoneyTransaction) contact {
	c := contact{phone: txn.Phone, reference: txn.AccountReference}
	var cust *models.Customer
	switch {
	case txn.Order != nil:
		c.reference, c.isOrder = txn.Order.OrderNumber, true
		cust = txn.Order.Customer
	case txn.Sale != nil:
		c.reference = txn.Sale.SaleNumber
		cust = txn.Sale.Customer
	}
	if cust != nil {
		c.name = cust.Name
		if cust.Phone != "" {
			c.phone = cust.Phone
		}
		if cust.Email != nil {
			c.email = *cust.Email
		}
	}
	return c
}

func (d *Dispatcher) notify(ctx context.Context, txn *models.MobileMoneyTransaction, report *Report) {
	c := resolveContact(txn)
	log := d.log.WithFields(logrus.Fields{
		"transaction_id": txn.ID,
		"reference":      c.reference,
	})

	smsOK := d.sendSMS(ctx, txn, c, log)
	emailOK := d.sendEmail(ctx, txn, c, log)
	if !smsOK && !emailOK {
		report.Failed++
		return
	}

	now := d.now().UTC()
	res := d.db.WithContext(ctx).Model(&models.MobileMoneyTransaction{}).
		Where("id = ? AND notification_sent = ?", txn.ID, false).
		Updates(map[string]any{
			"notification_sent":    true,
			"sms_sent":             smsOK,
			"email_sent":           emailOK,
			"notification_sent_at": now,
		})
	if res.Error != nil {
		log.WithError(res.Error).Error("failed to record notification flags")
		report.Failed++
		return
	}
	if res.RowsAffected == 0 {
		log.Warn("transaction was notified by another run")
		return
	}

	report.Notified++
	if smsOK {
		report.SMSSent++
	}
	if emailOK {
		report.EmailSent++
	}
	log.WithFields(logrus.Fields{"sms_sent": smsOK, "email_sent": emailOK}).Info("payment notification sent")
}

func (d *Dispatcher) sendSMS(ctx context.Context, txn *models.MobileMoneyTransaction, c contact, log logrus.FieldLogger) bool {
	if d.sms == nil || c.phone == "" {
		metrics.NotificationsTotal.WithLabelValues("sms", "skipped").Inc()
		return false
	}
	if err := d.sms.SendSMS(ctx, c.phone, d.smsText(txn, c)); err != nil {
		metrics.NotificationsTotal.WithLabelValues("sms", "failed").Inc()
		log.WithError(err).Warn("sms notification failed")
		return false
	}
	metrics.NotificationsTotal.WithLabelValues("sms", "sent").Inc()
	return true
}

func (d *Dispatcher) smsText(txn *models.MobileMoneyTransaction, c contact) string {
	greeting := "Dear customer"
	if c.name != "" {
		greeting = "Dear " + strings.Fields(c.name)[0]
	}
	receiptNo := ""
	if txn.GatewayReceiptNumber != nil {
		receiptNo = *txn.GatewayReceiptNumber
	}
	return fmt.Sprintf("%s, we have received KES %s for %s. M-Pesa ref %s. Thank you for choosing %s.",
		greeting, money.Format(txn.Amount), c.reference, receiptNo, d.company.Name)
}

func (d *Dispatcher) sendEmail(ctx context.Context, txn *models.MobileMoneyTransaction, c contact, log logrus.FieldLogger) bool {
	if d.email == nil || c.email == "" {
		metrics.NotificationsTotal.WithLabelValues("email", "skipped").Inc()
		return false
	}

	var art *receipt.Artifact
	if d.receipts != nil {
		var err error
		if c.isOrder {
			art, err = d.receipts.ForOrder(ctx, c.reference)
		} else {
			art, err = d.receipts.ForSale(ctx, c.reference)
		}
		if err != nil {
			log.WithError(err).Warn("receipt unavailable, sending email without it")
			art = nil
		}
	}

	html, err := d.emailHTML(txn, c, art)
	if err != nil {
		log.WithError(err).Error("failed to render payment email")
		return false
	}
	msg := Email{
		To:      c.email,
		Subject: fmt.Sprintf("Payment received for %s", c.reference),
		HTML:    html,
	}
	if art != nil {
		msg.Attachments = append(msg.Attachments, Attachment{
			Filename:    art.Filename(),
			ContentType: art.ContentType,
			Data:        art.Data,
		})
	}

	if err := d.email.SendEmail(ctx, msg); err != nil {
		metrics.NotificationsTotal.WithLabelValues("email", "failed").Inc()
		log.WithError(err).Warn("email notification failed")
		return false
	}
	metrics.NotificationsTotal.WithLabelValues("email", "sent").Inc()
	return true
}

var emailTemplate = template.Must(template.New("payment").Parse(`<html><body>
<p>Dear {{.Name}},</p>
<p>We have received your payment for <strong>{{.Reference}}</strong>.</p>
<table>
<tr><td>Amount</td><td>KES {{.Amount}}</td></tr>
<tr><td>M-Pesa reference</td><td>{{.GatewayReceipt}}</td></tr>
<tr><td>Paid at</td><td>{{.SettledAt}}</td></tr>
{{- with .ReceiptNumber}}
<tr><td>Receipt</td><td>{{.}} (attached)</td></tr>
{{- end}}
</table>
<p>Thank you for choosing {{.Company}}.</p>
</body></html>
`))

var eat = time.FixedZone("EAT", 3*60*60)

func (d *Dispatcher) emailHTML(txn *models.MobileMoneyTransaction, c contact, art *receipt.Artifact) (string, error) {
	data := struct {
		Name           string
		Reference      string
		Amount         string
		GatewayReceipt string
		SettledAt      string
		ReceiptNumber  string
		Company        string
	}{
		Name:      c.name,
		Reference: c.reference,
		Amount:    money.Format(txn.Amount),
		Company:   d.company.Name,
	}
	if data.Name == "" {
		data.Name = "customer"
	}
	if txn.GatewayReceiptNumber != nil {
		data.GatewayReceipt = *txn.GatewayReceiptNumber
	}
	if txn.SettledAt != nil {
		data.SettledAt = txn.SettledAt.In(eat).Format("02 Jan 2006 15:04 EAT")
	}
	if art != nil {
		data.ReceiptNumber = art.ReceiptNumber
	}

	var buf bytes.Buffer
	if err := emailTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
