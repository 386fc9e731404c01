package validator

import (
	_ "embed"
	"fmt"
	"os"
	"sync"

	"clinic-chat/backend/pkg/errors"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
	"github.com/gin-gonic/gin"
)

//go:embed chat_openapi.yaml
var chatSchema []byte

// ChatSchema returns the embedded chat API document
func ChatSchema() []byte {
	return chatSchema
}

// OpenAPIValidator validates requests against an OpenAPI document
type OpenAPIValidator struct {
	swagger *openapi3.T
	router  routers.Router
	mutex   sync.RWMutex
}

// NewChatValidator builds a validator over the embedded chat API document
func NewChatValidator() (*OpenAPIValidator, error) {
	return NewOpenAPIValidator(chatSchema)
}

// NewOpenAPIValidator creates a validator from a document's raw YAML or JSON
func NewOpenAPIValidator(data []byte) (*OpenAPIValidator, error) {
	swagger, router, err := load(data)
	if err != nil {
		return nil, err
	}
	return &OpenAPIValidator{swagger: swagger, router: router}, nil
}

// NewOpenAPIValidatorFromFile loads the document from disk
func NewOpenAPIValidatorFromFile(path string) (*OpenAPIValidator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read OpenAPI schema from %s: %w", path, err)
	}
	return NewOpenAPIValidator(data)
}

func load(data []byte) (*openapi3.T, routers.Router, error) {
	loader := openapi3.NewLoader()
	swagger, err := loader.LoadFromData(data)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load OpenAPI schema: %w", err)
	}

	if err := swagger.Validate(loader.Context); err != nil {
		return nil, nil, fmt.Errorf("invalid OpenAPI schema: %w", err)
	}

	router, err := gorillamux.NewRouter(swagger)
	if err != nil {
		return nil, nil, fmt.Errorf("error creating OpenAPI router: %w", err)
	}
	return swagger, router, nil
}

// Reload swaps in a new document
func (v *OpenAPIValidator) Reload(data []byte) error {
	swagger, router, err := load(data)
	if err != nil {
		return err
	}

	v.mutex.Lock()
	defer v.mutex.Unlock()

	v.swagger = swagger
	v.router = router
	return nil
}

// Middleware returns a Gin middleware function that validates requests against the OpenAPI schema.
// Routes the document does not describe pass through untouched.
func (v *OpenAPIValidator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		v.mutex.RLock()
		router := v.router
		v.mutex.RUnlock()

		route, pathParams, err := router.FindRoute(c.Request)
		if err != nil {
			c.Next()
			return
		}

		input := &openapi3filter.RequestValidationInput{
			Request:    c.Request,
			PathParams: pathParams,
			Route:      route,
			Options: &openapi3filter.Options{
				AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
				MultiError:         false,
			},
		}

		if err := openapi3filter.ValidateRequest(c.Request.Context(), input); err != nil {
			c.Error(errors.NewInvalidInput("Request does not match the API schema").WithDetails(err.Error()))
			c.Abort()
			return
		}

		c.Next()
	}
}
