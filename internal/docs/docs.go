// Package docs registra la definición OpenAPI servida en /swagger/*.
// Regenerar con: swag init -g cmd/api/main.go -o internal/docs
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/grants": {
            "post": {
                "security": [{"BearerAuth": []}],
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["grants"],
                "summary": "Request access to a patient's records",
                "parameters": [
                    {"name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/grants.requestGrantRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/respond.Envelope"}},
                    "400": {"description": "Validation failed", "schema": {"$ref": "#/definitions/respond.Envelope"}},
                    "401": {"description": "Authentication required", "schema": {"$ref": "#/definitions/respond.Envelope"}},
                    "403": {"description": "Authorization denied", "schema": {"$ref": "#/definitions/respond.Envelope"}},
                    "409": {"description": "An open grant already exists", "schema": {"$ref": "#/definitions/respond.Envelope"}},
                    "429": {"description": "Too many requests", "schema": {"$ref": "#/definitions/respond.Envelope"}}
                }
            }
        },
        "/grants/{grantID}": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["grants"],
                "summary": "Get a grant with its effective status",
                "parameters": [{"type": "string", "name": "grantID", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/respond.Envelope"}},
                    "404": {"description": "Not found", "schema": {"$ref": "#/definitions/respond.Envelope"}}
                }
            }
        },
        "/grants/{grantID}/approve": {
            "patch": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["grants"],
                "summary": "Approve a pending grant and issue its access token",
                "parameters": [{"type": "string", "name": "grantID", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/respond.Envelope"}},
                    "409": {"description": "Grant is not pending or has expired", "schema": {"$ref": "#/definitions/respond.Envelope"}}
                }
            }
        },
        "/grants/{grantID}/deny": {
            "patch": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["grants"],
                "summary": "Deny a pending grant",
                "parameters": [{"type": "string", "name": "grantID", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/respond.Envelope"}},
                    "409": {"description": "Grant is not pending", "schema": {"$ref": "#/definitions/respond.Envelope"}}
                }
            }
        },
        "/grants/{grantID}/revoke": {
            "patch": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["grants"],
                "summary": "Revoke a grant and every token issued for it",
                "parameters": [{"type": "string", "name": "grantID", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/respond.Envelope"}},
                    "409": {"description": "Grant is already closed", "schema": {"$ref": "#/definitions/respond.Envelope"}}
                }
            }
        },
        "/access/check": {
            "get": {
                "security": [{"BearerAuth": []}, {"AccessToken": []}],
                "produces": ["application/json"],
                "tags": ["access"],
                "summary": "Evaluate access to a patient's records",
                "parameters": [
                    {"type": "string", "name": "patientId", "in": "query", "required": true},
                    {"type": "string", "name": "organizationId", "in": "query", "required": true},
                    {"type": "string", "name": "capability", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/respond.Envelope"}},
                    "400": {"description": "Missing parameters", "schema": {"$ref": "#/definitions/respond.Envelope"}},
                    "401": {"description": "Authentication required", "schema": {"$ref": "#/definitions/respond.Envelope"}}
                }
            }
        },
        "/audit": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["audit"],
                "summary": "List audit entries",
                "parameters": [
                    {"type": "string", "name": "patientId", "in": "query"},
                    {"type": "string", "name": "organizationId", "in": "query"},
                    {"type": "string", "name": "grantId", "in": "query"},
                    {"type": "integer", "name": "limit", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/respond.Envelope"}}
                }
            }
        }
    },
    "definitions": {
        "grants.requestGrantRequest": {
            "type": "object",
            "properties": {
                "patientId": {"type": "string"},
                "organizationId": {"type": "string"},
                "requestingPractitionerId": {"type": "string"},
                "scopes": {"type": "array", "items": {"type": "string"}},
                "accessScope": {"type": "object"},
                "timeWindowHours": {"type": "integer"},
                "requestMetadata": {"type": "object"}
            }
        },
        "respond.Envelope": {
            "type": "object",
            "properties": {
                "success": {"type": "boolean"},
                "data": {},
                "error": {"$ref": "#/definitions/respond.Error"}
            }
        },
        "respond.Error": {
            "type": "object",
            "properties": {
                "message": {"type": "string"},
                "code": {"type": "string"},
                "details": {"type": "object"}
            }
        }
    },
    "securityDefinitions": {
        "BearerAuth": {"type": "apiKey", "name": "Authorization", "in": "header"},
        "AccessToken": {"type": "apiKey", "name": "X-Access-Token", "in": "header"}
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "Patient Access API",
	Description:      "Patient-controlled authorization grants, access tokens and audit trail.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
