package handler

import (
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/d60-Lab/storefront/internal/model"
	"github.com/d60-Lab/storefront/internal/service"
	"github.com/d60-Lab/storefront/pkg/response"
)

// ProductHandler 商品目录接口
type ProductHandler struct {
	catalog service.CatalogService
}

func NewProductHandler(catalog service.CatalogService) *ProductHandler {
	return &ProductHandler{catalog: catalog}
}

type productRequest struct {
	Name        string           `json:"name" binding:"required,max=100"`
	Description string           `json:"description" binding:"required"`
	ImageURL    *string          `json:"imageUrl" binding:"omitempty,url"`
	Price       *decimal.Decimal `json:"price" binding:"required"`
}

func (r productRequest) input() service.ProductInput {
	return service.ProductInput{
		Name:        r.Name,
		Description: r.Description,
		ImageURL:    r.ImageURL,
		Price:       *r.Price,
	}
}

type productResponse struct {
	ID             int64           `json:"id"`
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	ImageURL       *string         `json:"imageUrl,omitempty"`
	Price          decimal.Decimal `json:"price"`
	PriceUpdatedAt time.Time       `json:"priceUpdatedAt"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

func toProductResponse(p *model.Product) productResponse {
	return productResponse{
		ID:             p.ID,
		Name:           p.Name,
		Description:    p.Description,
		ImageURL:       p.ImageURL,
		Price:          p.Price,
		PriceUpdatedAt: p.PriceUpdatedAt,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
}

func toProductList(list []*model.Product) []productResponse {
	out := make([]productResponse, 0, len(list))
	for _, p := range list {
		out = append(out, toProductResponse(p))
	}
	return out
}

// ListProducts 分页查询商品
// @Summary 商品列表
// @Tags 商品目录
// @Produce json
// @Param page query int false "页码" default(1)
// @Param page_size query int false "每页数量" default(10)
// @Success 200 {object} response.Response{data=map[string]interface{}}
// @Router /api/v1/products [get]
func (h *ProductHandler) ListProducts(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))
	list, total, err := h.catalog.List(c.Request.Context(), page, pageSize)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, gin.H{"page": page, "page_size": pageSize, "total": total, "list": toProductList(list)})
}

// GetProduct 查询单个商品
// @Summary 商品详情
// @Tags 商品目录
// @Produce json
// @Param id path int true "商品ID"
// @Success 200 {object} response.Response{data=productResponse}
// @Failure 404 {object} response.Response
// @Router /api/v1/products/{id} [get]
func (h *ProductHandler) GetProduct(c *gin.Context) {
	id, ok := productID(c, "id")
	if !ok {
		return
	}
	p, err := h.catalog.Get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, toProductResponse(p))
}

// CreateProduct 创建商品
// @Summary 创建商品
// @Tags 商品目录
// @Accept json
// @Produce json
// @Param request body productRequest true "商品信息"
// @Success 201 {object} response.Response{data=productResponse}
// @Failure 400 {object} response.Response
// @Router /api/v1/products [post]
func (h *ProductHandler) CreateProduct(c *gin.Context) {
	var req productRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	p, err := h.catalog.Create(c.Request.Context(), req.input())
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Created(c, toProductResponse(p))
}

// UpdateProduct 更新商品；价格变化会产生一条价格变更事件
// @Summary 更新商品
// @Tags 商品目录
// @Accept json
// @Produce json
// @Param id path int true "商品ID"
// @Param request body productRequest true "商品信息"
// @Success 200 {object} response.Response{data=productResponse}
// @Failure 400 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /api/v1/products/{id} [put]
func (h *ProductHandler) UpdateProduct(c *gin.Context) {
	id, ok := productID(c, "id")
	if !ok {
		return
	}
	var req productRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	p, err := h.catalog.Update(c.Request.Context(), id, req.input())
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, toProductResponse(p))
}

// DeleteProduct 删除商品
// @Summary 删除商品
// @Tags 商品目录
// @Param id path int true "商品ID"
// @Success 200 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /api/v1/products/{id} [delete]
func (h *ProductHandler) DeleteProduct(c *gin.Context) {
	id, ok := productID(c, "id")
	if !ok {
		return
	}
	if err := h.catalog.Delete(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, nil)
}

// SearchProducts 按名称搜索
// @Summary 搜索商品
// @Tags 商品目录
// @Param query path string true "关键字"
// @Param limit query int false "最多返回条数" default(20)
// @Success 200 {object} response.Response{data=[]productResponse}
// @Router /api/v1/products/search/{query} [get]
func (h *ProductHandler) SearchProducts(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	list, err := h.catalog.Search(c.Request.Context(), c.Param("query"), limit)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, toProductList(list))
}

func (h *ProductHandler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrProductNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, service.ErrInvalidProduct):
		response.BadRequest(c, err.Error())
	default:
		response.InternalError(c, err)
	}
}

func productID(c *gin.Context, param string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(param), 10, 64)
	if err != nil || id <= 0 {
		response.BadRequest(c, "invalid product id")
		return 0, false
	}
	return id, true
}
