// Package graph implements a Provider that relays messages through the
// Microsoft Graph sendMail API.
package graph

import (
	"github.com/shineum/webhook-relay-lite/internal/email"
)

type sendMailRequest struct {
	Message         sendMailMessage `json:"message"`
	SaveToSentItems bool            `json:"saveToSentItems"`
}

type sendMailMessage struct {
	Subject      string           `json:"subject"`
	Body         messageBody      `json:"body"`
	ToRecipients []recipient      `json:"toRecipients"`
	ReplyTo      []recipient      `json:"replyTo,omitempty"`
	Attachments  []fileAttachment `json:"attachments,omitempty"`
}

// messageBody holds a single body; Graph takes either text or html.
type messageBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

type emailAddress struct {
	Address string `json:"address"`
}

// fileAttachment is a #microsoft.graph.fileAttachment resource.
type fileAttachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	ContentBytes string `json:"contentBytes"`
	ContentID    string `json:"contentId,omitempty"`
	IsInline     bool   `json:"isInline"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func newRecipient(addr string) recipient {
	return recipient{EmailAddress: emailAddress{Address: addr}}
}

// buildSendMailRequest converts an outbound message into a sendMail body.
// The HTML body wins over text when both are present.
func buildSendMailRequest(msg *email.OutboundMessage) *sendMailRequest {
	body := messageBody{ContentType: "text", Content: msg.TextBody}
	if msg.HTMLBody != "" {
		body = messageBody{ContentType: "html", Content: msg.HTMLBody}
	}

	out := sendMailMessage{
		Subject:      msg.Subject,
		Body:         body,
		ToRecipients: []recipient{newRecipient(msg.To)},
	}
	if msg.ReplyTo != "" {
		out.ReplyTo = []recipient{newRecipient(msg.ReplyTo)}
	}

	for _, att := range msg.Attachments {
		fa := fileAttachment{
			ODataType:    "#microsoft.graph.fileAttachment",
			Name:         att.Filename,
			ContentType:  att.ContentType,
			ContentBytes: att.EncodedContent(),
		}
		if att.Disposition == email.Inline {
			fa.IsInline = true
			fa.ContentID = att.ContentID
		}
		out.Attachments = append(out.Attachments, fa)
	}

	return &sendMailRequest{Message: out}
}
