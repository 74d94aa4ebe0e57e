package models

// StatusLabel is how a payment status is presented to the payer.
type StatusLabel struct {
	Label string `json:"label"`
	Tone  string `json:"tone"`
}

var statusLabels = map[PaymentStatus]StatusLabel{
	PaymentStatusPending:   {Label: "Aguardando pagamento", Tone: "warning"},
	PaymentStatusApproved:  {Label: "Pagamento aprovado", Tone: "success"},
	PaymentStatusRejected:  {Label: "Pagamento recusado", Tone: "danger"},
	PaymentStatusCancelled: {Label: "Pagamento cancelado", Tone: "neutral"},
}

// LabelFor returns the presentation label of a status.
func LabelFor(status PaymentStatus) StatusLabel {
	if label, ok := statusLabels[status]; ok {
		return label
	}
	return StatusLabel{Label: "Status desconhecido", Tone: "neutral"}
}
