package repository

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/storefront/internal/model"
)

// ProductRepository 商品仓储接口
type ProductRepository interface {
	// Create 创建商品
	Create(ctx context.Context, p *model.Product) error

	// GetByID 根据ID查询商品
	GetByID(ctx context.Context, id int64) (*model.Product, error)

	// List 分页列出商品，返回总数
	List(ctx context.Context, offset, limit int) ([]*model.Product, int64, error)

	// Search 按名称模糊查询
	Search(ctx context.Context, query string, limit int) ([]*model.Product, error)

	// Delete 删除商品
	Delete(ctx context.Context, id int64) error

	// LockByID 在调用方事务里对商品行加写锁（sqlite 忽略 FOR UPDATE）
	LockByID(ctx context.Context, tx *gorm.DB, id int64) (*model.Product, error)

	// Save 在调用方事务里保存全部字段
	Save(ctx context.Context, tx *gorm.DB, p *model.Product) error
}

type productRepository struct {
	db *gorm.DB
}

// NewProductRepository 创建商品仓储
func NewProductRepository(db *gorm.DB) ProductRepository {
	return &productRepository{db: db}
}

func (r *productRepository) Create(ctx context.Context, p *model.Product) error {
	return r.db.WithContext(ctx).Create(p).Error
}

func (r *productRepository) GetByID(ctx context.Context, id int64) (*model.Product, error) {
	var p model.Product
	if err := r.db.WithContext(ctx).First(&p, id).Error; err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

func (r *productRepository) List(ctx context.Context, offset, limit int) ([]*model.Product, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&model.Product{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var res []*model.Product
	err := r.db.WithContext(ctx).Order("id ASC").Offset(offset).Limit(limit).Find(&res).Error
	return res, total, err
}

func (r *productRepository) Search(ctx context.Context, query string, limit int) ([]*model.Product, error) {
	var res []*model.Product
	pattern := "%" + strings.ToLower(query) + "%"
	err := r.db.WithContext(ctx).
		Where("LOWER(name) LIKE ?", pattern).
		Order("id ASC").
		Limit(limit).
		Find(&res).Error
	return res, err
}

func (r *productRepository) Delete(ctx context.Context, id int64) error {
	res := r.db.WithContext(ctx).Delete(&model.Product{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *productRepository) LockByID(ctx context.Context, tx *gorm.DB, id int64) (*model.Product, error) {
	var p model.Product
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&p, id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

func (r *productRepository) Save(ctx context.Context, tx *gorm.DB, p *model.Product) error {
	return tx.WithContext(ctx).Save(p).Error
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
