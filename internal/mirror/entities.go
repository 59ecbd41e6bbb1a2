package mirror

import (
	"errors"
	"fmt"

	"github.com/odyssey-erp/finmirror/internal/dolibarr"
)

// Record is one normalized upstream object ready for reconciliation.
// Fields is keyed by mirror column; Lines holds child rows keyed by line column.
type Record struct {
	UpstreamID string
	Fields     map[string]any
	Lines      []map[string]any
}

// Spec describes how one entity type maps onto its mirror table.
type Spec struct {
	Entity      EntityType
	Resource    string
	Table       string
	Columns     []string
	LineTable   string
	LineColumns []string
	// Incremental is set when the list endpoint honours a modification filter.
	Incremental bool

	decode func(*dolibarr.Record, parentRef) (Record, error)
}

// parentRef identifies the invoice a payment was fetched for.
type parentRef struct {
	kind      string
	invoiceID string
}

var errMissingID = errors.New("record has no upstream id")

// decodeWith normalizes one raw upstream object; parent is set for payments
// walked under their invoice.
func (s Spec) decodeWith(rec *dolibarr.Record, parent parentRef) (Record, error) {
	out, err := s.decode(rec, parent)
	if err != nil {
		return Record{UpstreamID: out.UpstreamID}, err
	}
	if err := rec.Err(); err != nil {
		return Record{UpstreamID: out.UpstreamID}, err
	}
	if out.UpstreamID == "" {
		return Record{}, errMissingID
	}
	return out, nil
}

var lineColumns = []string{
	"line_upstream_id", "product_id", "description", "qty", "unit_price", "vat_rate",
	"total_ht", "total_tva", "total_ttc", "accounting_code",
}

var specs = map[EntityType]Spec{
	EntityProducts: {
		Entity:   EntityProducts,
		Resource: dolibarr.ResourceProducts,
		Table:    "mirror_products",
		Columns: []string{"ref", "label", "description", "product_type", "status", "status_buy", "price", "price_ttc",
			"vat_rate", "pmp", "weight", "stock_real", "accountancy_code_sell", "accountancy_code_buy", "modified_at"},
		Incremental: true,
		decode:      decodeProduct,
	},
	EntityThirdparties: {
		Entity:      EntityThirdparties,
		Resource:    dolibarr.ResourceThirdparties,
		Table:       "mirror_thirdparties",
		Columns:     []string{"name", "code_client", "code_supplier", "is_client", "is_supplier", "email", "phone", "status"},
		Incremental: true,
		decode:      decodeThirdparty,
	},
	EntityContacts: {
		Entity:      EntityContacts,
		Resource:    dolibarr.ResourceContacts,
		Table:       "mirror_contacts",
		Columns:     []string{"thirdparty_id", "firstname", "lastname", "job_title", "email", "phone_pro", "phone_mobile", "status"},
		Incremental: true,
		decode:      decodeContact,
	},
	EntityBankAccounts: {
		Entity:   EntityBankAccounts,
		Resource: dolibarr.ResourceBankAccounts,
		Table:    "mirror_bank_accounts",
		Columns:  []string{"ref", "label", "bank", "account_number", "iban", "bic", "currency_code", "balance", "is_closed"},
		decode:   decodeBankAccount,
	},
	EntityProjects: {
		Entity:   EntityProjects,
		Resource: dolibarr.ResourceProjects,
		Table:    "mirror_projects",
		Columns:  []string{"ref", "title", "thirdparty_id", "status", "date_start", "date_end", "budget_amount"},
		decode:   decodeProject,
	},
	EntityCustomerInvoices: {
		Entity:   EntityCustomerInvoices,
		Resource: dolibarr.ResourceInvoices,
		Table:    "mirror_customer_invoices",
		Columns: []string{"ref", "ref_client", "thirdparty_id", "project_id", "invoice_type", "status", "is_paid",
			"total_ht", "total_tva", "total_ttc", "date_invoice", "date_due"},
		LineTable:   "mirror_customer_invoice_lines",
		LineColumns: lineColumns,
		decode:      decodeInvoice("ref_client"),
	},
	EntitySupplierInvoices: {
		Entity:   EntitySupplierInvoices,
		Resource: dolibarr.ResourceSupplierInvoices,
		Table:    "mirror_supplier_invoices",
		Columns: []string{"ref", "ref_supplier", "thirdparty_id", "project_id", "invoice_type", "status", "is_paid",
			"total_ht", "total_tva", "total_ttc", "date_invoice", "date_due"},
		LineTable:   "mirror_supplier_invoice_lines",
		LineColumns: lineColumns,
		decode:      decodeInvoice("ref_supplier"),
	},
	EntityPayments: {
		Entity: EntityPayments,
		Table:  "mirror_payments",
		Columns: []string{"payment_type", "invoice_upstream_id", "ref", "amount", "payment_date", "payment_method",
			"bank_line_id", "bank_account_id"},
		decode: decodePayment,
	},
	EntitySalaries: {
		Entity:   EntitySalaries,
		Resource: dolibarr.ResourceSalaries,
		Table:    "mirror_salaries",
		Columns: []string{"ref", "label", "user_id", "amount", "salary", "date_start", "date_end", "date_payment",
			"is_paid", "bank_account_id"},
		decode: decodeSalary,
	},
}

// SpecFor returns the mapping of an entity type.
func SpecFor(entity EntityType) (Spec, error) {
	spec, ok := specs[entity]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %q", ErrUnknownEntity, entity)
	}
	return spec, nil
}

func decodeProduct(r *dolibarr.Record, _ parentRef) (Record, error) {
	return Record{
		UpstreamID: r.ID("id"),
		Fields: map[string]any{
			"ref":                   r.String("ref"),
			"label":                 r.String("label"),
			"description":           r.String("description"),
			"product_type":          r.Int("type"),
			"status":                r.Int("status"),
			"status_buy":            r.Int("status_buy"),
			"price":                 r.Decimal("price"),
			"price_ttc":             r.Decimal("price_ttc"),
			"vat_rate":              r.Decimal("tva_tx"),
			"pmp":                   r.Decimal("pmp"),
			"weight":                r.Decimal("weight"),
			"stock_real":            r.Decimal("stock_reel"),
			"accountancy_code_sell": r.String("accountancy_code_sell"),
			"accountancy_code_buy":  r.String("accountancy_code_buy"),
			"modified_at":           r.Time("date_modification"),
		},
	}, nil
}

func decodeThirdparty(r *dolibarr.Record, _ parentRef) (Record, error) {
	return Record{
		UpstreamID: r.ID("id"),
		Fields: map[string]any{
			"name":          r.String("name", "nom"),
			"code_client":   r.String("code_client"),
			"code_supplier": r.String("code_fournisseur"),
			"is_client":     r.Int("client"),
			"is_supplier":   r.Int("fournisseur"),
			"email":         r.String("email"),
			"phone":         r.String("phone"),
			"status":        r.Int("status"),
		},
	}, nil
}

func decodeContact(r *dolibarr.Record, _ parentRef) (Record, error) {
	return Record{
		UpstreamID: r.ID("id"),
		Fields: map[string]any{
			"thirdparty_id": r.ID("socid", "fk_soc"),
			"firstname":     r.String("firstname"),
			"lastname":      r.String("lastname"),
			"job_title":     r.String("poste"),
			"email":         r.String("email"),
			"phone_pro":     r.String("phone_pro"),
			"phone_mobile":  r.String("phone_mobile"),
			"status":        r.Int("statut", "status"),
		},
	}, nil
}

func decodeBankAccount(r *dolibarr.Record, _ parentRef) (Record, error) {
	currency := r.String("currency_code")
	if currency == "" {
		currency = "SAR"
	}
	return Record{
		UpstreamID: r.ID("id"),
		Fields: map[string]any{
			"ref":            r.String("ref"),
			"label":          r.String("label"),
			"bank":           r.String("bank"),
			"account_number": r.String("account_number", "number"),
			"iban":           r.String("iban", "iban_prefix"),
			"bic":            r.String("bic"),
			"currency_code":  currency,
			"balance":        r.Decimal("balance"),
			"is_closed":      r.Bool("clos"),
		},
	}, nil
}

func decodeProject(r *dolibarr.Record, _ parentRef) (Record, error) {
	return Record{
		UpstreamID: r.ID("id"),
		Fields: map[string]any{
			"ref":           r.String("ref"),
			"title":         r.String("title"),
			"thirdparty_id": r.ID("fk_soc", "socid", "thirdparty_id"),
			"status":        r.Int("fk_statut", "statut", "status"),
			"date_start":    r.Date("date_start"),
			"date_end":      r.Date("date_end"),
			"budget_amount": r.Decimal("budget_amount"),
		},
	}, nil
}

func decodeInvoice(refField string) func(*dolibarr.Record, parentRef) (Record, error) {
	return func(r *dolibarr.Record, _ parentRef) (Record, error) {
		out := Record{
			UpstreamID: r.ID("id"),
			Fields: map[string]any{
				"ref":           r.String("ref"),
				refField:        r.String(refField),
				"thirdparty_id": r.ID("socid"),
				"project_id":    r.ID("fk_project", "fk_projet"),
				"invoice_type":  r.Int("type"),
				"status":        r.Int("statut", "status"),
				"is_paid":       r.Bool("paye", "paid"),
				"total_ht":      r.Decimal("total_ht"),
				"total_tva":     r.Decimal("total_tva"),
				"total_ttc":     r.Decimal("total_ttc"),
				"date_invoice":  r.Date("date_validation", "date", "date_creation"),
				"date_due":      r.Date("date_lim_reglement", "date_echeance"),
			},
		}
		for _, line := range r.Children("lines") {
			out.Lines = append(out.Lines, map[string]any{
				"line_upstream_id": line.ID("rowid", "id"),
				"product_id":       line.ID("fk_product"),
				"description":      line.String("product_label", "label", "desc", "description"),
				"qty":              line.Decimal("qty"),
				"unit_price":       line.Decimal("subprice"),
				"vat_rate":         line.Decimal("tva_tx"),
				"total_ht":         line.Decimal("total_ht"),
				"total_tva":        line.Decimal("total_tva"),
				"total_ttc":        line.Decimal("total_ttc"),
				"accounting_code":  line.ID("fk_accounting_account", "accountancy_code"),
			})
			if err := line.Err(); err != nil {
				return out, fmt.Errorf("line: %w", err)
			}
		}
		return out, nil
	}
}

// Payments carry no stable id of their own; the mirror key combines the
// payment kind, the invoice and the payment ref.
func decodePayment(r *dolibarr.Record, parent parentRef) (Record, error) {
	if parent.kind == "" || parent.invoiceID == "" {
		return Record{}, errors.New("payment decoded without parent invoice")
	}
	ref := r.String("ref")
	if ref == "" {
		ref = "PAY-" + parent.invoiceID
	}
	return Record{
		UpstreamID: PaymentUpstreamID(parent.kind, parent.invoiceID, ref),
		Fields: map[string]any{
			"payment_type":        parent.kind,
			"invoice_upstream_id": parent.invoiceID,
			"ref":                 ref,
			"amount":              r.Decimal("amount"),
			"payment_date":        r.Date("date", "datep"),
			"payment_method":      r.String("type"),
			"bank_line_id":        r.ID("fk_bank_line"),
			"bank_account_id":     r.ID("fk_bank_account", "accountid"),
		},
	}, nil
}

// PaymentUpstreamID builds the mirror key of a payment.
func PaymentUpstreamID(kind, invoiceID, ref string) string {
	return kind + ":" + invoiceID + ":" + ref
}

func decodeSalary(r *dolibarr.Record, _ parentRef) (Record, error) {
	return Record{
		UpstreamID: r.ID("id"),
		Fields: map[string]any{
			"ref":             r.String("ref"),
			"label":           r.String("label"),
			"user_id":         r.ID("fk_user"),
			"amount":          r.Decimal("amount"),
			"salary":          r.Decimal("salary"),
			"date_start":      r.Date("datesp"),
			"date_end":        r.Date("dateep"),
			"date_payment":    r.Date("datep", "date_payment"),
			"is_paid":         r.Bool("paye"),
			"bank_account_id": r.ID("fk_bank_account", "fk_account"),
		},
	}, nil
}
