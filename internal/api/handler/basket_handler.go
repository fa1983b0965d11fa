package handler

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/storefront/internal/service"
	"github.com/d60-Lab/storefront/pkg/response"
)

// BasketHandler 购物车接口
type BasketHandler struct {
	baskets service.BasketService
}

func NewBasketHandler(baskets service.BasketService) *BasketHandler {
	return &BasketHandler{baskets: baskets}
}

type addItemRequest struct {
	ProductID int64 `json:"productId" binding:"required,gt=0"`
	Quantity  int   `json:"quantity" binding:"required,gt=0,lte=999"`
}

// GetBasket 查询购物车，不存在时返回空车
// @Summary 查询购物车
// @Tags 购物车
// @Produce json
// @Param owner path string true "用户ID"
// @Success 200 {object} response.Response{data=basket.Basket}
// @Router /api/v1/basket/{owner} [get]
func (h *BasketHandler) GetBasket(c *gin.Context) {
	b, err := h.baskets.Get(c.Request.Context(), c.Param("owner"))
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, b)
}

// AddItem 加购，价格取商品目录当前价
// @Summary 加购商品
// @Tags 购物车
// @Accept json
// @Produce json
// @Param owner path string true "用户ID"
// @Param request body addItemRequest true "商品与数量"
// @Success 200 {object} response.Response{data=basket.Basket}
// @Failure 400 {object} response.Response
// @Failure 404 {object} response.Response
// @Failure 502 {object} response.Response
// @Router /api/v1/basket/{owner}/items [post]
func (h *BasketHandler) AddItem(c *gin.Context) {
	var req addItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	b, err := h.baskets.AddItem(c.Request.Context(), c.Param("owner"), req.ProductID, req.Quantity)
	switch {
	case err == nil:
		response.Success(c, b)
	case errors.Is(err, service.ErrInvalidQuantity):
		response.BadRequest(c, err.Error())
	case errors.Is(err, service.ErrProductNotFound):
		response.NotFound(c, err.Error())
	default:
		// 商品目录不可用
		_ = c.Error(err)
		response.BadGateway(c, "catalog unavailable")
	}
}

// RemoveItem 移除一行商品
// @Summary 移除购物车商品
// @Tags 购物车
// @Param owner path string true "用户ID"
// @Param productId path int true "商品ID"
// @Success 200 {object} response.Response{data=basket.Basket}
// @Router /api/v1/basket/{owner}/items/{productId} [delete]
func (h *BasketHandler) RemoveItem(c *gin.Context) {
	id, ok := productID(c, "productId")
	if !ok {
		return
	}
	b, err := h.baskets.RemoveItem(c.Request.Context(), c.Param("owner"), id)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, b)
}

// Checkout 结算后清空购物车
// @Summary 清空购物车
// @Tags 购物车
// @Param owner path string true "用户ID"
// @Success 200 {object} response.Response
// @Router /api/v1/basket/{owner} [delete]
func (h *BasketHandler) Checkout(c *gin.Context) {
	if err := h.baskets.Checkout(c.Request.Context(), c.Param("owner")); err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, nil)
}
