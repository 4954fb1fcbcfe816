// Package openapi generates the OpenAPI 3.1 document for the key daemon API.
package openapi

import (
	"github.com/getkin/kin-openapi/openapi3"
)

// Generate builds the OpenAPI 3.1 spec covering the key lifecycle endpoints.
func Generate() (*openapi3.T, error) {
	doc := &openapi3.T{
		OpenAPI: "3.1.0",
		Info: &openapi3.Info{
			Title:       "Cave Key Daemon API",
			Description: "API key issuance, rotation, revocation, and rotation webhook verification.",
			Version:     "1.0.0",
		},
		Servers: openapi3.Servers{
			{URL: "/"},
		},
	}

	components := openapi3.NewComponents()
	components.Schemas = openapi3.Schemas{}
	components.SecuritySchemes = openapi3.SecuritySchemes{}
	doc.Components = &components

	doc.Components.SecuritySchemes["bearerAuth"] = &openapi3.SecuritySchemeRef{
		Value: &openapi3.SecurityScheme{
			Type:         "http",
			Scheme:       "bearer",
			BearerFormat: "opaque",
		},
	}
	doc.Security = openapi3.SecurityRequirements{
		{"bearerAuth": {}},
	}

	doc.Paths = openapi3.NewPaths()

	registerSchemas(doc)
	addKeyPaths(doc)

	return doc, nil
}

func registerSchemas(doc *openapi3.T) {
	doc.Components.Schemas["ErrorResponse"] = &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"error": &openapi3.SchemaRef{
					Value: &openapi3.Schema{
						Type: &openapi3.Types{"object"},
						Properties: openapi3.Schemas{
							"code":    &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int32"}},
							"message": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
							"context": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"object"}}},
						},
					},
				},
			},
		},
	}

	doc.Components.Schemas["KeyScope"] = &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type:        &openapi3.Types{"object"},
			Description: "Authorization domain of a key: unrestricted admin access, or a single namespace.",
			Properties: openapi3.Schemas{
				"type": &openapi3.SchemaRef{
					Value: &openapi3.Schema{
						Type: &openapi3.Types{"string"},
						Enum: []interface{}{"admin", "namespace"},
					},
				},
				"namespace": &openapi3.SchemaRef{
					Value: &openapi3.Schema{
						Type:        &openapi3.Types{"string"},
						Description: "Required when type is \"namespace\".",
					},
				},
			},
			Required: []string{"type"},
		},
	}

	doc.Components.Schemas["KeyInfo"] = &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type:        &openapi3.Types{"object"},
			Description: "Externally visible description of a key. The raw token is never included.",
			Properties: openapi3.Schemas{
				"id":           &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}, Format: "uuid"}},
				"scope":        openapi3.NewSchemaRef("#/components/schemas/KeyScope", nil),
				"rate_limit":   &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Description: "Requests per minute."}},
				"key_prefix":   &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}, Description: "First characters of the token, for display."}},
				"revoked":      &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"boolean"}}},
				"created_at":   &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}, Format: "date-time"}},
				"last_used_at": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string", "null"}, Format: "date-time"}},
				"expires_at":   &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string", "null"}, Format: "date-time"}},
				"rotated_from": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}, Description: "ID of the predecessor key, when rotated."}},
				"rotated_at":   &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string", "null"}, Format: "date-time"}},
			},
		},
	}

	doc.Components.Schemas["IssuedKey"] = &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type:        &openapi3.Types{"object"},
			Description: "A freshly issued key. The token appears exactly once and cannot be retrieved again.",
			Properties: openapi3.Schemas{
				"token": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
				"info":  openapi3.NewSchemaRef("#/components/schemas/KeyInfo", nil),
			},
			Required: []string{"token", "info"},
		},
	}

	doc.Components.Schemas["RotationWebhookPayload"] = &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type:        &openapi3.Types{"object"},
			Description: "Body of a rotation notification. The HMAC signature covers this object's canonical JSON encoding.",
			Properties: openapi3.Schemas{
				"event":           &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}, Enum: []interface{}{"api_key.rotated"}}},
				"key_id":          &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}, Format: "uuid"}},
				"previous_key_id": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}, Format: "uuid"}},
				"rotated_at":      &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}, Format: "date-time"}},
				"scope":           openapi3.NewSchemaRef("#/components/schemas/KeyScope", nil),
				"owner":           &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
				"key_prefix":      &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
			},
		},
	}

	doc.Components.Schemas["SignedWebhook"] = &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"event_id":  &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}, Format: "uuid"}},
				"signature": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}, Description: "Hex HMAC-SHA256 of the canonical payload."}},
				"payload":   openapi3.NewSchemaRef("#/components/schemas/RotationWebhookPayload", nil),
			},
		},
	}

	doc.Components.Schemas["RotatedKey"] = &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type:        &openapi3.Types{"object"},
			Description: "Result of a rotation: the successor's one-time token, the revoked predecessor, and the signed webhook.",
			Properties: openapi3.Schemas{
				"token":    &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
				"info":     openapi3.NewSchemaRef("#/components/schemas/KeyInfo", nil),
				"previous": openapi3.NewSchemaRef("#/components/schemas/KeyInfo", nil),
				"webhook":  openapi3.NewSchemaRef("#/components/schemas/SignedWebhook", nil),
			},
		},
	}
}

func addKeyPaths(doc *openapi3.T) {
	createReq := &openapi3.RequestBodyRef{
		Value: &openapi3.RequestBody{
			Description: "Key issuance parameters. All fields are optional; the default is an admin key with the standard rate limit and no expiry.",
			Content: openapi3.NewContentWithJSONSchemaRef(&openapi3.SchemaRef{
				Value: &openapi3.Schema{
					Type: &openapi3.Types{"object"},
					Properties: openapi3.Schemas{
						"scope":       openapi3.NewSchemaRef("#/components/schemas/KeyScope", nil),
						"rate_limit":  &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Description: "Requests per minute. Defaults to 100."}},
						"ttl_seconds": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Description: "Key lifetime in seconds. 0 means no expiry."}},
					},
				},
			}),
		},
	}

	doc.Paths.Set("/api/v1/auth/keys", &openapi3.PathItem{
		Post: &openapi3.Operation{
			Tags:        []string{"keys"},
			Summary:     "Issue an API key",
			Description: "Creates a key and returns its token exactly once. On an empty store this endpoint is unauthenticated bootstrap; afterwards it requires an admin key.",
			OperationID: "create_key",
			RequestBody: createReq,
			Responses: newResponses("201", "The issued key",
				openapi3.NewSchemaRef("#/components/schemas/IssuedKey", nil)),
		},
		Get: &openapi3.Operation{
			Tags:        []string{"keys"},
			Summary:     "List API keys",
			Description: "Returns every key, live and revoked, oldest first.",
			OperationID: "list_keys",
			Responses: newResponses("200", "All keys",
				&openapi3.SchemaRef{Value: &openapi3.Schema{
					Type:  &openapi3.Types{"array"},
					Items: openapi3.NewSchemaRef("#/components/schemas/KeyInfo", nil),
				}}),
		},
	})

	doc.Paths.Set("/api/v1/auth/keys/rotate", &openapi3.PathItem{
		Post: &openapi3.Operation{
			Tags:        []string{"keys"},
			Summary:     "Rotate an API key",
			Description: "Atomically revokes a key and issues a successor with the same scope. Concurrent rotations of one key have exactly one winner; the rest receive 409.",
			OperationID: "rotate_key",
			RequestBody: &openapi3.RequestBodyRef{
				Value: &openapi3.RequestBody{
					Required: true,
					Content: openapi3.NewContentWithJSONSchemaRef(&openapi3.SchemaRef{
						Value: &openapi3.Schema{
							Type: &openapi3.Types{"object"},
							Properties: openapi3.Schemas{
								"key_id":      &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}, Format: "uuid"}},
								"rate_limit":  &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Description: "Requests per minute. 0 inherits the predecessor's budget."}},
								"ttl_seconds": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Description: "Successor lifetime in seconds. 0 means no expiry."}},
							},
							Required: []string{"key_id"},
						},
					}),
				},
			},
			Responses: newResponses("200", "Rotation result",
				openapi3.NewSchemaRef("#/components/schemas/RotatedKey", nil)),
		},
	})

	doc.Paths.Set("/api/v1/auth/keys/rotated", &openapi3.PathItem{
		Post: &openapi3.Operation{
			Tags:        []string{"keys"},
			Summary:     "Verify a rotation webhook",
			Description: "Validates a rotation payload against its X-Cave-Webhook-Signature header. Requires an admin bearer token in addition to the signature.",
			OperationID: "verify_rotated",
			RequestBody: &openapi3.RequestBodyRef{
				Value: &openapi3.RequestBody{
					Required: true,
					Content: openapi3.NewContentWithJSONSchemaRef(
						openapi3.NewSchemaRef("#/components/schemas/RotationWebhookPayload", nil)),
				},
			},
			Responses: newResponses("204", "Signature valid", nil),
		},
	})

	idParam := openapi3.NewPathParameter("id").
		WithDescription("Key ID.").
		WithSchema(openapi3.NewStringSchema())

	doc.Paths.Set("/api/v1/auth/keys/{id}", &openapi3.PathItem{
		Delete: &openapi3.Operation{
			Tags:        []string{"keys"},
			Summary:     "Revoke an API key",
			Description: "Permanently disables a key. Revoking an already revoked key succeeds; revocation cannot be undone.",
			OperationID: "revoke_key",
			Parameters: openapi3.Parameters{
				&openapi3.ParameterRef{Value: idParam},
			},
			Responses: newResponses("204", "Key revoked", nil),
		},
	})
}

// newResponses builds a Responses map with a success response and the
// standard error responses. A nil schema produces a bodyless success entry.
func newResponses(statusCode, description string, schema *openapi3.SchemaRef) *openapi3.Responses {
	responses := openapi3.NewResponses()

	successDesc := description
	success := &openapi3.Response{Description: &successDesc}
	if schema != nil {
		success.Content = openapi3.NewContentWithJSONSchemaRef(schema)
	}
	responses.Set(statusCode, &openapi3.ResponseRef{Value: success})

	errorRef := openapi3.NewSchemaRef("#/components/schemas/ErrorResponse", nil)
	for _, e := range []struct {
		code string
		desc string
	}{
		{"400", "Bad request"},
		{"401", "Unauthorized"},
		{"403", "Forbidden"},
		{"404", "Not found"},
		{"409", "Conflict"},
		{"429", "Rate limit exceeded"},
		{"500", "Internal server error"},
	} {
		desc := e.desc
		responses.Set(e.code, &openapi3.ResponseRef{
			Value: &openapi3.Response{
				Description: &desc,
				Content:     openapi3.NewContentWithJSONSchemaRef(errorRef),
			},
		})
	}

	return responses
}
