package graph

import (
	"encoding/base64"
	"strings"

	"github.com/samber/lo"

	"github.com/shineum/mailkit/pkg/email"
)

// sendMailRequest is the top-level request body for the sendMail endpoint.
type sendMailRequest struct {
	Message         sendMailMessage `json:"message"`
	SaveToSentItems bool            `json:"saveToSentItems"`
}

type sendMailMessage struct {
	Subject                string            `json:"subject"`
	Body                   messageBody       `json:"body"`
	From                   *recipient        `json:"from,omitempty"`
	ToRecipients           []recipient       `json:"toRecipients"`
	CcRecipients           []recipient       `json:"ccRecipients,omitempty"`
	BccRecipients          []recipient       `json:"bccRecipients,omitempty"`
	ReplyTo                []recipient       `json:"replyTo,omitempty"`
	InternetMessageHeaders []messageHeader   `json:"internetMessageHeaders,omitempty"`
	Attachments            []graphAttachment `json:"attachments,omitempty"`
}

type messageBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

type emailAddress struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

type messageHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// graphAttachment represents a file attachment in a Graph API request.
type graphAttachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	ContentBytes string `json:"contentBytes"`
	IsInline     bool   `json:"isInline,omitempty"`
	ContentID    string `json:"contentId,omitempty"`
}

type graphErrorResponse struct {
	Error graphError `json:"error"`
}

type graphError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func toRecipients(addrs []email.Address) []recipient {
	return lo.Map(addrs, func(a email.Address, _ int) recipient {
		return recipient{EmailAddress: emailAddress{Name: a.Name, Address: a.Email}}
	})
}

// buildSendMailRequest converts an email.Email into a sendMail request body.
// Graph only accepts custom headers prefixed with "X-"; others are dropped.
func buildSendMailRequest(e email.Email) (*sendMailRequest, error) {
	body := messageBody{
		ContentType: "text",
		Content:     e.TextBody,
	}
	if e.HTMLBody != "" {
		body.ContentType = "html"
		body.Content = e.HTMLBody
	}

	msg := sendMailMessage{
		Subject:       e.Subject,
		Body:          body,
		ToRecipients:  toRecipients(e.To),
		CcRecipients:  toRecipients(e.Cc),
		BccRecipients: toRecipients(e.Bcc),
		ReplyTo:       toRecipients(e.ReplyTo),
	}
	if e.From != nil {
		from := toRecipients([]email.Address{*e.From})[0]
		msg.From = &from
	}

	for _, h := range e.Headers {
		if strings.HasPrefix(strings.ToLower(h.Name), "x-") {
			msg.InternetMessageHeaders = append(msg.InternetMessageHeaders, messageHeader{Name: h.Name, Value: h.Value})
		}
	}

	for _, att := range e.Attachments {
		data, err := att.Bytes()
		if err != nil {
			return nil, err
		}
		contentType := att.ContentType
		if contentType == "" {
			contentType = email.ContentTypeFor(att.Filename)
		}
		ga := graphAttachment{
			ODataType:    "#microsoft.graph.fileAttachment",
			Name:         att.Filename,
			ContentType:  contentType,
			ContentBytes: base64.StdEncoding.EncodeToString(data),
		}
		if att.IsInline() {
			ga.IsInline = true
			ga.ContentID = att.ContentID
		}
		msg.Attachments = append(msg.Attachments, ga)
	}

	return &sendMailRequest{Message: msg, SaveToSentItems: true}, nil
}
