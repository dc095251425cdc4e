// Package docs provides generated OpenAPI documentation.
//
// Billfold API
//
//	@title			Billfold API
//	@version		1.0
//	@description	Asynchronous PDF invoice field extraction: submit a PDF URL, poll status, fetch structured results.
//	@termsOfService	http://swagger.io/terms/
//
//	@contact.name	API Support
//	@contact.url	https://github.com/jackzampolin/billfold
//
//	@license.name	MIT
//	@license.url	https://opensource.org/licenses/MIT
//
//	@host		localhost:8080
//	@BasePath	/
//
//	@schemes	http https
package docs

//go:generate swag init -g ../cmd/billfold/serve.go -o . --parseDependency --parseInternal
