package endpoints

import (
	"github.com/jackzampolin/billfold/internal/api"
)

// All returns all endpoint instances.
func All() []api.Endpoint {
	return []api.Endpoint{
		// Health endpoints
		&HealthEndpoint{},
		&ReadyEndpoint{},
		&StatusEndpoint{},

		// Invoice endpoints
		&SubmitInvoiceEndpoint{},
		&InvoiceStatusEndpoint{},
		&InvoiceResultEndpoint{},
		&InvoiceOCREndpoint{},

		// Observability endpoints
		&ListLLMCallsEndpoint{},
		&ListMetricsEndpoint{},

		// Swagger/OpenAPI endpoints
		&SwaggerEndpoint{},
		&SwaggerUIEndpoint{},
	}
}
