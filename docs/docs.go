// Package docs /swagger/*any 下的 swagger 文档，需与 internal/api/handler 中的 @Router 注解保持一致
package docs

import "github.com/swaggo/swag"

const envelope = `"response.Response": {
            "type": "object",
            "properties": {
                "code": {"type": "integer"},
                "message": {"type": "string"},
                "data": {}
            }
        }`

const catalogTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/api/v1/products": {
            "get": {
                "tags": ["商品目录"],
                "summary": "商品列表",
                "parameters": [
                    {"type": "integer", "default": 1, "description": "页码", "name": "page", "in": "query"},
                    {"type": "integer", "default": 10, "description": "每页数量", "name": "page_size", "in": "query"}
                ],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/response.Response"}}}
            },
            "post": {
                "tags": ["商品目录"],
                "summary": "创建商品",
                "parameters": [
                    {"description": "商品信息", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handler.productRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/response.Response"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/response.Response"}}
                }
            }
        },
        "/api/v1/products/search/{query}": {
            "get": {
                "tags": ["商品目录"],
                "summary": "搜索商品",
                "parameters": [
                    {"type": "string", "description": "关键字", "name": "query", "in": "path", "required": true},
                    {"type": "integer", "default": 20, "description": "最多返回条数", "name": "limit", "in": "query"}
                ],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/response.Response"}}}
            }
        },
        "/api/v1/products/{id}": {
            "get": {
                "tags": ["商品目录"],
                "summary": "商品详情",
                "parameters": [{"type": "integer", "description": "商品ID", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/response.Response"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/response.Response"}}
                }
            },
            "put": {
                "tags": ["商品目录"],
                "summary": "更新商品",
                "parameters": [
                    {"type": "integer", "description": "商品ID", "name": "id", "in": "path", "required": true},
                    {"description": "商品信息", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handler.productRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/response.Response"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/response.Response"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/response.Response"}}
                }
            },
            "delete": {
                "tags": ["商品目录"],
                "summary": "删除商品",
                "parameters": [{"type": "integer", "description": "商品ID", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/response.Response"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/response.Response"}}
                }
            }
        }
    },
    "definitions": {
        "handler.productRequest": {
            "type": "object",
            "required": ["name", "description", "price"],
            "properties": {
                "name": {"type": "string", "maxLength": 100},
                "description": {"type": "string"},
                "imageUrl": {"type": "string"},
                "price": {"type": "string", "example": "19.99"}
            }
        },
        ` + envelope + `
    }
}`

const basketTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/api/v1/basket/{owner}": {
            "get": {
                "tags": ["购物车"],
                "summary": "查询购物车",
                "parameters": [{"type": "string", "description": "用户ID", "name": "owner", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/response.Response"}}}
            },
            "delete": {
                "tags": ["购物车"],
                "summary": "清空购物车",
                "parameters": [{"type": "string", "description": "用户ID", "name": "owner", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/response.Response"}}}
            }
        },
        "/api/v1/basket/{owner}/items": {
            "post": {
                "tags": ["购物车"],
                "summary": "加购商品",
                "parameters": [
                    {"type": "string", "description": "用户ID", "name": "owner", "in": "path", "required": true},
                    {"description": "商品与数量", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handler.addItemRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/response.Response"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/response.Response"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/response.Response"}},
                    "502": {"description": "Bad Gateway", "schema": {"$ref": "#/definitions/response.Response"}}
                }
            }
        },
        "/api/v1/basket/{owner}/items/{productId}": {
            "delete": {
                "tags": ["购物车"],
                "summary": "移除购物车商品",
                "parameters": [
                    {"type": "string", "description": "用户ID", "name": "owner", "in": "path", "required": true},
                    {"type": "integer", "description": "商品ID", "name": "productId", "in": "path", "required": true}
                ],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/response.Response"}}}
            }
        }
    },
    "definitions": {
        "handler.addItemRequest": {
            "type": "object",
            "required": ["productId", "quantity"],
            "properties": {
                "productId": {"type": "integer"},
                "quantity": {"type": "integer", "maximum": 999, "minimum": 1}
            }
        },
        ` + envelope + `
    }
}`

// CatalogSwagger 商品目录服务文档
var CatalogSwagger = &swag.Spec{
	Version:          "1.0",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "Catalog API",
	Description:      "商品目录；价格变更经 outbox 发布为 ProductPriceChanged 事件",
	InfoInstanceName: "catalog",
	SwaggerTemplate:  catalogTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

// BasketSwagger 购物车服务文档
var BasketSwagger = &swag.Spec{
	Version:          "1.0",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "Basket API",
	Description:      "购物车缓存；订阅商品调价事件刷新已加购商品价格",
	InfoInstanceName: "basket",
	SwaggerTemplate:  basketTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(CatalogSwagger.InstanceName(), CatalogSwagger)
	swag.Register(BasketSwagger.InstanceName(), BasketSwagger)
}
