package docs

import (
	"github.com/getkin/kin-openapi/openapi3"
	"github.com/lamassuiot/dms-keystore-exporter/pkg/config"
)

func NewOpenAPI3(cfg config.Config) openapi3.T {

	arrayOf := func(items *openapi3.SchemaRef) *openapi3.SchemaRef {
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: "array", Items: items}}
	}
	errorResponses := func(codes ...string) openapi3.Responses {
		responses := openapi3.Responses{}
		for _, code := range codes {
			responses[code] = &openapi3.ResponseRef{Ref: "#/components/responses/ErrorResponse"}
		}
		return responses
	}

	openapiSpec := openapi3.T{
		OpenAPI: "3.0.0",
		Info: &openapi3.Info{
			Title:       "Lamassu DMS Keystore Exporter API",
			Description: "REST API used for generating keys, CSRs and PKCS#12 keystores from DN descriptors",
			Version:     "0.0.0",
			License: &openapi3.License{
				Name: "MPL v2.0",
				URL:  "https://github.com/lamassuiot/lamassu-compose/blob/main/LICENSE",
			},
			Contact: &openapi3.Contact{
				URL: "https://github.com/lamassuiot",
			},
		},
		Servers: openapi3.Servers{
			&openapi3.Server{
				Description: "Current Server",
				URL:         "/",
			},
		},
	}

	openapiSpec.Components.Schemas = openapi3.Schemas{
		"Result": openapi3.NewSchemaRef("",
			openapi3.NewObjectSchema().
				WithProperty("line", openapi3.NewIntegerSchema()).
				WithProperty("input", openapi3.NewStringSchema()).
				WithProperty("common_name", openapi3.NewStringSchema()).
				WithProperty("status", openapi3.NewStringSchema().WithEnum("SUCCEEDED", "PARTIAL", "FAILED")).
				WithProperty("failure_kind", openapi3.NewStringSchema().WithEnum(
					"MalformedLine",
					"InvalidAttributeEncoding",
					"MissingCommonName",
					"KeyGenerationFailure",
					"SigningFailure",
					"KeystoreAssemblyFailure",
					"PersistenceFailure",
					"DuplicateCommonName",
				)).
				WithProperty("failure_msg", openapi3.NewStringSchema()).
				WithProperty("fingerprint", openapi3.NewStringSchema()).
				WithProperty("artifacts", openapi3.NewObjectSchema().
					WithAdditionalProperties(openapi3.NewBytesSchema())),
		),
		"Run": openapi3.NewSchemaRef("",
			openapi3.NewObjectSchema().
				WithProperty("id", openapi3.NewUUIDSchema()).
				WithProperty("started_at", openapi3.NewDateTimeSchema()).
				WithProperty("succeeded", openapi3.NewIntegerSchema()).
				WithProperty("failed", openapi3.NewIntegerSchema()).
				WithPropertyRef("results", arrayOf(&openapi3.SchemaRef{
					Ref: "#/components/schemas/Result",
				})),
		),
		"Record": openapi3.NewSchemaRef("",
			openapi3.NewObjectSchema().
				WithProperty("id", openapi3.NewIntegerSchema()).
				WithProperty("run_id", openapi3.NewUUIDSchema()).
				WithProperty("line", openapi3.NewIntegerSchema()).
				WithProperty("common_name", openapi3.NewStringSchema()).
				WithProperty("status", openapi3.NewStringSchema()).
				WithProperty("failure_kind", openapi3.NewStringSchema()).
				WithProperty("failure_msg", openapi3.NewStringSchema()).
				WithProperty("fingerprint", openapi3.NewStringSchema()).
				WithProperty("created_at", openapi3.NewDateTimeSchema()),
		),
	}

	openapiSpec.Components.RequestBodies = openapi3.RequestBodies{
		"postExportRequest": &openapi3.RequestBodyRef{
			Value: openapi3.NewRequestBody().
				WithDescription("DN descriptors, one per line, each starting with CN=").
				WithRequired(true).
				WithContent(openapi3.Content{
					"application/json": openapi3.NewMediaType().WithSchema(openapi3.NewObjectSchema().
						WithPropertyRef("descriptors", arrayOf(openapi3.NewStringSchema().NewRef()))),
					"text/plain": openapi3.NewMediaType().WithSchema(openapi3.NewStringSchema()),
				}),
		},
	}

	openapiSpec.Components.Responses = openapi3.Responses{
		"ErrorResponse": &openapi3.ResponseRef{
			Value: openapi3.NewResponse().
				WithDescription("Response when errors happen.").
				WithContent(openapi3.Content{
					"text/plain": openapi3.NewMediaType().WithSchema(openapi3.NewStringSchema()),
				}),
		},
		"HealthResponse": &openapi3.ResponseRef{
			Value: openapi3.NewResponse().
				WithDescription("Response returned back after healthchecking.").
				WithContent(openapi3.NewContentWithJSONSchema(openapi3.NewSchema().
					WithProperty("healthy", openapi3.NewBoolSchema())),
				),
		},
		"PostExportResponse": &openapi3.ResponseRef{
			Value: openapi3.NewResponse().
				WithDescription("Response returned back after an export run.").
				WithContent(openapi3.NewContentWithJSONSchemaRef(&openapi3.SchemaRef{
					Ref: "#/components/schemas/Run",
				})),
		},
		"GetRecordsResponse": &openapi3.ResponseRef{
			Value: openapi3.NewResponse().
				WithDescription("Response returned back after reading the export ledger.").
				WithContent(openapi3.NewContentWithJSONSchema(openapi3.NewSchema().
					WithPropertyRef("records", arrayOf(&openapi3.SchemaRef{
						Ref: "#/components/schemas/Record",
					}))),
				),
		},
	}

	var security *openapi3.SecurityRequirements
	if cfg.AuthEnabled {
		openapiSpec.Components.SecuritySchemes = openapi3.SecuritySchemes{
			"bearerAuth": &openapi3.SecuritySchemeRef{
				Value: openapi3.NewJWTSecurityScheme(),
			},
		}
		security = openapi3.NewSecurityRequirements().
			With(openapi3.NewSecurityRequirement().Authenticate("bearerAuth"))
	}

	exportResponses := errorResponses("400", "401", "413", "415", "500")
	exportResponses["200"] = &openapi3.ResponseRef{Ref: "#/components/responses/PostExportResponse"}
	runsResponses := errorResponses("401", "500", "501")
	runsResponses["200"] = &openapi3.ResponseRef{Ref: "#/components/responses/GetRecordsResponse"}
	runResponses := errorResponses("401", "404", "500", "501")
	runResponses["200"] = &openapi3.ResponseRef{Ref: "#/components/responses/GetRecordsResponse"}

	openapiSpec.Paths = openapi3.Paths{
		"/v1/health": &openapi3.PathItem{
			Get: &openapi3.Operation{
				OperationID: "Health",
				Description: "Get health status",
				Responses: openapi3.Responses{
					"200": &openapi3.ResponseRef{
						Ref: "#/components/responses/HealthResponse",
					},
				},
			},
		},
		"/v1/export": &openapi3.PathItem{
			Post: &openapi3.Operation{
				OperationID: "Export",
				Description: "Generate a key, a CSR and a keystore for every descriptor",
				Security:    security,
				RequestBody: &openapi3.RequestBodyRef{
					Ref: "#/components/requestBodies/postExportRequest",
				},
				Responses: exportResponses,
			},
		},
		"/v1/runs": &openapi3.PathItem{
			Get: &openapi3.Operation{
				OperationID: "GetRuns",
				Description: "Get the recorded result of every export run",
				Security:    security,
				Responses:   runsResponses,
			},
		},
		"/v1/runs/{id}": &openapi3.PathItem{
			Get: &openapi3.Operation{
				OperationID: "GetRun",
				Description: "Get the recorded results of one export run",
				Security:    security,
				Parameters: []*openapi3.ParameterRef{
					{
						Value: openapi3.NewPathParameter("id").
							WithSchema(openapi3.NewUUIDSchema()),
					},
				},
				Responses: runResponses,
			},
		},
	}

	return openapiSpec
}
