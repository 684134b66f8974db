package domain

// Item — покупаемый товар (ebook / курс).
// Каталог ведёт внешняя часть платформы; платёжному сервису нужны
// только цена, флаг доступности и счётчик покупок.
type Item struct {
	ID        string // ID товара
	Title     string // Название
	Price     int64  // Цена в минимальных единицах валюты
	Currency  string // ISO 4217 код валюты
	Active    bool   // Доступен ли товар к покупке
	Purchases int64  // Счётчик успешных покупок
}
