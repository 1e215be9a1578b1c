package credentials

import (
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/skip2/go-qrcode"

	"example.com/backstage/tickets/internal/models"
)

const (
	payloadPrefix = "tickets:v1:"
	contentType   = "image/png"
	defaultSize   = 300
)

// Credential is the scannable form of a ticket
type Credential struct {
	TicketID    uuid.UUID
	Payload     string
	Image       []byte
	ContentType string
}

// QRIssuer renders ticket credentials as PNG QR codes. Output depends only on
// the ticket id, so a credential can be regenerated at any time.
type QRIssuer struct {
	size  int
	level qrcode.RecoveryLevel
}

// NewQRIssuer creates an issuer producing size x size images
func NewQRIssuer(size int) *QRIssuer {
	if size <= 0 {
		size = defaultSize
	}
	return &QRIssuer{size: size, level: qrcode.Medium}
}

// Payload is the text encoded into a ticket's QR code
func Payload(ticketID uuid.UUID) string {
	return payloadPrefix + ticketID.String()
}

// Issue renders the credential for a ticket
func (q *QRIssuer) Issue(ticketID uuid.UUID) (*Credential, error) {
	payload := Payload(ticketID)

	png, err := qrcode.Encode(payload, q.level, q.size)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to render QR code for ticket %s", ticketID)
	}

	return &Credential{
		TicketID:    ticketID,
		Payload:     payload,
		Image:       png,
		ContentType: contentType,
	}, nil
}

// ParsePayload recovers the ticket id from a scanned payload. A bare UUID is
// accepted for manual entry.
func ParsePayload(raw string) (uuid.UUID, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, payloadPrefix)

	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errors.Wrap(models.ErrInvalidCredential, err.Error())
	}
	return id, nil
}
