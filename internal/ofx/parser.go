// Package ofx turns OFX/QFX statement files into reconciliation records.
package ofx

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/aclindsa/ofxgo"

	"github.com/Veraticus/recon-flow/internal/model"
)

// Record attribute names produced for every statement transaction.
const (
	FieldID          = "id"
	FieldDate        = "date"
	FieldAmount      = "amount"
	FieldName        = "name"
	FieldPayee       = "payee"
	FieldMemo        = "memo"
	FieldType        = "type"
	FieldCheckNumber = "check_number"
	FieldAccountID   = "account_id"
	FieldCurrency    = "currency"
)

var (
	severityRegex = regexp.MustCompile(`(?i)<SEVERITY>(Info|Warn|Error)</SEVERITY>`)
	// SGML exports often leave an aggregate opening tag without its closing bracket.
	tagFixRegex = regexp.MustCompile(`(?m)^(\s*<[A-Z][A-Z0-9._]*[A-Z0-9])$`)
)

// Parser reads bank and credit card statements.
type Parser struct {
	logger *slog.Logger
}

// NewParser creates a new OFX parser.
func NewParser() *Parser {
	return &Parser{logger: slog.Default().With("component", "ofx")}
}

// preprocessOFX fixes common formatting issues in OFX files.
func (p *Parser) preprocessOFX(content string) string {
	content = strings.TrimLeft(content, " \t\r\n")
	content = severityRegex.ReplaceAllStringFunc(content, strings.ToUpper)
	return tagFixRegex.ReplaceAllString(content, "$1>")
}

func (p *Parser) parse(reader io.Reader) (*ofxgo.Response, error) {
	content, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read OFX file: %w", err)
	}
	resp, err := ofxgo.ParseResponse(strings.NewReader(p.preprocessOFX(string(content))))
	if err != nil {
		return nil, fmt.Errorf("failed to parse OFX file: %w", err)
	}
	return resp, nil
}

// ParseFile returns one record per statement transaction. Amounts keep the
// sign the institution reported, so debits are negative.
func (p *Parser) ParseFile(ctx context.Context, reader io.Reader) ([]model.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := p.parse(reader)
	if err != nil {
		return nil, err
	}

	var records []model.Record
	var bankStmts, ccStmts int

	for _, msg := range resp.Bank {
		stmt, ok := msg.(*ofxgo.StatementResponse)
		if !ok || stmt.BankTranList == nil {
			continue
		}
		bankStmts++
		for _, tx := range stmt.BankTranList.Transactions {
			records = append(records, p.convertTransaction(tx, string(stmt.BankAcctFrom.AcctID), stmt.CurDef.String()))
		}
	}

	for _, msg := range resp.CreditCard {
		stmt, ok := msg.(*ofxgo.CCStatementResponse)
		if !ok || stmt.BankTranList == nil {
			continue
		}
		ccStmts++
		for _, tx := range stmt.BankTranList.Transactions {
			records = append(records, p.convertTransaction(tx, string(stmt.CCAcctFrom.AcctID), stmt.CurDef.String()))
		}
	}

	p.logger.Debug("parsed OFX file",
		"records", len(records),
		"bank_statements", bankStmts,
		"cc_statements", ccStmts)

	return records, nil
}

func (p *Parser) convertTransaction(tx ofxgo.Transaction, accountID, currency string) model.Record {
	amount, _ := tx.TrnAmt.Float64()

	rec := model.Record{
		FieldID:        string(tx.FiTID),
		FieldDate:      tx.DtPosted.Time.UTC(),
		FieldAmount:    amount,
		FieldName:      strings.TrimSpace(string(tx.Name)),
		FieldPayee:     payeeName(tx),
		FieldMemo:      strings.TrimSpace(string(tx.Memo)),
		FieldType:      tx.TrnType.String(),
		FieldAccountID: accountID,
		FieldCurrency:  currency,
	}
	if tx.CheckNum != "" {
		rec[FieldCheckNumber] = string(tx.CheckNum)
	}
	return rec
}

// payeeName picks the cleanest counterparty name the statement offers.
func payeeName(tx ofxgo.Transaction) string {
	if tx.Payee != nil && tx.Payee.Name != "" {
		return strings.TrimSpace(string(tx.Payee.Name))
	}

	name := strings.TrimSpace(string(tx.Name))
	if tx.Memo != "" && isGenericDescription(name) {
		name = strings.TrimSpace(string(tx.Memo))
	}

	prefixes := []string{
		"POS PURCHASE ",
		"PURCHASE AUTHORIZED ON ",
		"DEBIT CARD PURCHASE ",
		"ACH DEBIT ",
		"CHECK CARD ",
		"VISA PURCHASE ",
		"MC PURCHASE ",
		"DEBIT PURCHASE ",
	}
	for _, prefix := range prefixes {
		if strings.HasPrefix(strings.ToUpper(name), prefix) {
			name = name[len(prefix):]
			break
		}
	}

	// "MM/DD " leading date stamps
	if len(name) > 5 && name[2] == '/' && name[5] == ' ' {
		name = strings.TrimSpace(name[6:])
	}
	return name
}

func isGenericDescription(name string) bool {
	switch strings.ToUpper(name) {
	case "DEBIT", "CREDIT", "PURCHASE", "PAYMENT", "POS TRANSACTION", "CARD PURCHASE":
		return true
	}
	return false
}

// Accounts lists the account ids the file carries statements for, sorted.
func (p *Parser) Accounts(reader io.Reader) ([]string, error) {
	resp, err := p.parse(reader)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	for _, msg := range resp.Bank {
		if stmt, ok := msg.(*ofxgo.StatementResponse); ok && stmt.BankAcctFrom.AcctID != "" {
			seen[string(stmt.BankAcctFrom.AcctID)] = true
		}
	}
	for _, msg := range resp.CreditCard {
		if stmt, ok := msg.(*ofxgo.CCStatementResponse); ok && stmt.CCAcctFrom.AcctID != "" {
			seen[string(stmt.CCAcctFrom.AcctID)] = true
		}
	}

	accounts := make([]string, 0, len(seen))
	for acct := range seen {
		accounts = append(accounts, acct)
	}
	sort.Strings(accounts)
	return accounts, nil
}
