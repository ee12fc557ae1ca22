package handlers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-lambda-go/events"

	"ils-backend/internal/sync"
)

// tenant extracts the company id (and operator email) from the JWT
// authorizer claims. Falls back to the subject for single-practice setups.
func tenant(req events.APIGatewayV2HTTPRequest) (string, string, error) {
	claims := req.RequestContext.Authorizer.JWT.Claims
	if claims == nil {
		return "", "", errors.New("missing authorizer claims")
	}
	company := strings.TrimSpace(claims["custom:company_id"])
	if company == "" {
		company = strings.TrimSpace(claims["company_id"])
	}
	if company == "" {
		company = strings.TrimSpace(claims["sub"])
	}
	if company == "" {
		return "", "", fmt.Errorf("missing company id claim")
	}
	email := strings.TrimSpace(claims["email"])
	return company, email, nil
}

func jsonResp(status int, v any) (events.APIGatewayV2HTTPResponse, error) {
	b, _ := json.Marshal(v)
	return events.APIGatewayV2HTTPResponse{
		StatusCode: status,
		Headers: map[string]string{
			"content-type":                "application/json",
			"access-control-allow-origin": "*",
		},
		Body: string(b),
	}, nil
}

func errResp(status int, msg string) (events.APIGatewayV2HTTPResponse, error) {
	return jsonResp(status, map[string]any{
		"error": msg,
	})
}

// domainResp maps engine invariant violations onto structured error codes
// so internal exception text never reaches API clients.
func domainResp(err error) (events.APIGatewayV2HTTPResponse, error) {
	var de *sync.DomainError
	if errors.As(err, &de) {
		status := 409
		if de == sync.ErrOrderNotFound {
			status = 404
		}
		if de == sync.ErrPrescriptionRequired {
			status = 422
		}
		return jsonResp(status, map[string]any{
			"error": de.Code,
		})
	}
	fmt.Printf("handlers: internal error: %v\n", err)
	return errResp(500, "internal error")
}

// header does a case-insensitive lookup; API Gateway lowercases header
// names but tests and direct invokes may not.
func header(req events.APIGatewayV2HTTPRequest, name string) string {
	for k, v := range req.Headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func rawBody(req events.APIGatewayV2HTTPRequest) ([]byte, error) {
	if req.IsBase64Encoded {
		return base64.StdEncoding.DecodeString(req.Body)
	}
	return []byte(req.Body), nil
}
